// Command crawler is the CLI entry point for videodb-crawler.
package main

import "github.com/mkalish/videodb-crawler/cmd"

func main() {
	cmd.Execute()
}
