package main

import (
	"os"

	wolfchat "github.com/cyberwolf/wolfchat/app"
)

func main() {
	var config *wolfchat.Config

	// A .env file takes precedence over config.yaml and ambient env vars.
	if _, err := os.Stat(".env"); err == nil {
		loader := &wolfchat.EnvConfigLoader{}
		c, err := loader.Load()
		if err != nil {
			os.Stderr.WriteString("failed to load .env config: " + err.Error() + "\n")
			os.Exit(1)
		}
		config = c
	}

	app := wolfchat.New(nil, config)
	app.Start()
}
