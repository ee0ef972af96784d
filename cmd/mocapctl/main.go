// Command mocapctl runs the API server and operates exports and retention
// from the command line.
package main

func main() {
	Execute()
}
