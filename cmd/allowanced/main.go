// Command allowanced serves and administers monthly token allowances.
package main

func main() {
	Execute()
}
