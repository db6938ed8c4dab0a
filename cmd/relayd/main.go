// Command relayd serves the room relay over HTTP: the websocket gateway, the history and room API,
// health checks and metrics. Configuration comes from RELAY_* environment variables.
package main

import (
	"log"

	"roomrelay/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
