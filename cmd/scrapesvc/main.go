// Command scrapesvc runs the scraping service.
package main

import "github.com/JakeFAU/scrape-service/cmd"

func main() {
	cmd.Execute()
}
