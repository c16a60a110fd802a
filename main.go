// The main package for the galleryspider executable.
package main

import "github.com/JakeFAU/galleryspider/cmd"

func main() {
	cmd.Execute()
}
