package cli

import (
	"fmt"
	"os"

	"github.com/RM0420/GoalGuard-sub000/cli/client"
	"github.com/RM0420/GoalGuard-sub000/cli/cmd"
	"github.com/joho/godotenv"
)

// RunCLI starts the interactive operator console against a running engine.
func RunCLI() {
	// Load the .env file
	err := godotenv.Load()
	if err != nil {
		fmt.Println("Error loading .env file")
	}

	// Read the environment variables
	signingKey := os.Getenv("JWT_SIGNING_KEY")
	serverURL := os.Getenv("SERVER_URL")

	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	client.InitAdminClient(serverURL, signingKey)
	cmd.InitOperatorCmd()
	cmd.Execute()
}
