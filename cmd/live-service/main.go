package main

import (
	"log"

	"github.com/JBD-GER/sepana-live-service/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
