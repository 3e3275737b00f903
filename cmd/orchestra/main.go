// Command orchestra runs templated tasks with dependencies and priorities.
package main

func main() {
	Execute()
}
