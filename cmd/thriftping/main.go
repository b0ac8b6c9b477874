// Command thriftping probes an RPC server over TCP, TLS, Unix domain sockets or a child
// process, sending empty-argument calls and reporting their round-trip times.
package main

func main() {
	Execute()
}
