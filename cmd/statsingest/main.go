// Command statsingest scrapes a national statistics site, tracks every
// extracted table and serves the latest figures over HTTP.
package main

func main() {
	Execute()
}
