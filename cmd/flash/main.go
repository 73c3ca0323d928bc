package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"flashtransfer/internal/client"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	plan := flag.String("plan", "free", "plan tier (free, standard, premium)")
	flag.Parse()

	paths, err := client.ValidatePaths(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	c := client.New(*server)
	result, err := c.Upload(context.Background(), *plan, paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Transfer %s created (%d files)\n", result.TransferID, len(result.Files))
	for _, f := range result.Files {
		fmt.Printf("  %s  %d bytes\n", f.Name, f.Size)
	}
	fmt.Printf("Expires: %s\n", result.ExpiresAt.Format("2006-01-02 15:04 MST"))
	fmt.Printf("Download: %s\n", result.DownloadURL)
}
