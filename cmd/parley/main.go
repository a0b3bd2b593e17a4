package main

import (
	"log"

	"github.com/joho/godotenv"

	"parley/internal/app"
)

func main() {
	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
