package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := NewExchangerCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
