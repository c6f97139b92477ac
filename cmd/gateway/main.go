// Command gateway runs the stagegate reverse proxy.
//
// Usage:
//
//	# Start with the default configuration file
//	gateway run
//
//	# Start with a custom configuration file
//	gateway run --config /etc/stagegate/config.yaml
//
//	# Check a configuration file without starting anything
//	gateway validate -c config.yaml
package main

func main() {
	Execute()
}
