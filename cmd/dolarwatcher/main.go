package main

import (
	"github.com/joho/godotenv"

	"dolar-rate-alerts/internal/cli"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cli.Execute()
}
