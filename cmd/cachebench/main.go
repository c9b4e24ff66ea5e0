// Command cachebench runs concurrent workloads against objcache components.
package main

func main() {
	execute()
}
