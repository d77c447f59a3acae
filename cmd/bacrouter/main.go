// Package main provides the bacrouter command-line interface.
package main

func main() {
	Execute()
}
