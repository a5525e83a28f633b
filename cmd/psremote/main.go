// Command psremote is a small client for driving PowerShell runspace pools
// over an out-of-process transport. It exists mostly as a smoke-test harness
// for the library; the interesting code lives in the packages it imports.
package main

func main() {
	Execute()
}
