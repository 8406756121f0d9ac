package main

import "wasmforge/internal/forge"

func main() {
	forge.Main()
}
