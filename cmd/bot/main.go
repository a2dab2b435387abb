package main

import (
	"os"

	"chat-relay/bot/internal/app"
)

func main() {
	os.Exit(app.Run())
}
