package cmd

import (
	"strconv"
	"strings"

	ishell "github.com/abiosoft/ishell"
	"github.com/common-nighthawk/go-figure"

	"github.com/RM0420/GoalGuard-sub000/cli/client"
	"github.com/RM0420/GoalGuard-sub000/lib/utils"
)

// operatorCommands is a slice of Command structures containing the commands
// available on the operator shell.
var operatorCommands []Command

// shell represents an instance of the interactive shell used for this application.
var shell *ishell.Shell

// The Command struct defines an operator command in the system. Each command has
// a Name, a Desc (short for description), and a Func (the function to execute
// when the command is called).
type Command struct {
	Name string                  // Name is the name of the command.
	Desc string                  // Desc is a short description of what the command does.
	Func func(c *ishell.Context) // Func is the function that is executed when the command is invoked.
}

// readUserID prompts for a user id until a non-empty one is entered.
func readUserID(c *ishell.Context) string {
	for {
		c.Print("Enter User ID: ")
		userID := strings.TrimSpace(c.ReadLine())
		if userID != "" {
			return userID
		}
		c.Println("User ID cannot be empty.")
	}
}

// InitOperatorCmd initializes the operator shell and its commands.
func InitOperatorCmd() {

	// Initialize shell
	shell = ishell.New()

	operatorCommands = []Command{
		{
			Name: "settle",
			Desc: "Run settlement for a day",
			Func: func(c *ishell.Context) {
				c.Print("Enter Date (YYYY-MM-DD, empty for previous day): ")
				date := strings.TrimSpace(c.ReadLine())
				if date != "" && !utils.ValidateDate(date) {
					utils.PrintError("date must be formatted as YYYY-MM-DD")
					return
				}

				report, err := client.RunSettlement(date)
				if err != nil {
					utils.PrintError(err.Error())
					return
				}

				c.Printf("Settled %d of %d users for %s (%d failed).\n",
					report.Settled, report.Total, report.Date, report.Failed)
				for userID, reason := range report.Failures {
					c.Printf("  %s: %s\n", userID, reason)
				}
			},
		},
		{
			Name: "ledger",
			Desc: "Show a user's coin ledger and balances",
			Func: func(c *ishell.Context) {
				userID := readUserID(c)

				view, err := client.GetLedger(userID)
				if err != nil {
					utils.PrintError(err.Error())
					return
				}

				c.Printf("User:         %s\n", view.UserID)
				c.Printf("Balance:      %d\n", view.Balance)
				c.Printf("Ledger total: %d\n", view.LedgerTotal)
				c.Printf("Streak:       %d\n", view.Streak)
				if view.Balance != view.LedgerTotal {
					c.Println("Balance has drifted from the ledger. Run 'reconcile' to repair it.")
				}
			},
		},
		{
			Name: "reconcile",
			Desc: "Recompute a user's balance from the ledger",
			Func: func(c *ishell.Context) {
				userID := readUserID(c)

				result, err := client.Reconcile(userID)
				if err != nil {
					utils.PrintError(err.Error())
					return
				}

				if result.Repaired {
					c.Printf("Repaired balance for %s: now %d.\n", result.UserID, result.Balance)
				} else {
					c.Printf("Balance for %s already matches the ledger: %d.\n", result.UserID, result.Balance)
				}
			},
		},
		{
			Name: "grant",
			Desc: "Grant reward items to a user",
			Func: func(c *ishell.Context) {
				userID := readUserID(c)

				c.Print("Enter Reward Kind (skip_day, target_reduction, streak_protect): ")
				kind := strings.TrimSpace(c.ReadLine())

				var quantity int
				for {
					c.Print("Enter Quantity: ")
					raw := strings.TrimSpace(c.ReadLine())
					q, err := strconv.Atoi(raw)
					if err == nil && q > 0 {
						quantity = q
						break
					}
					c.Println("Quantity must be a positive integer.")
				}

				if err := client.GrantReward(userID, kind, quantity); err != nil {
					utils.PrintError(err.Error())
					return
				}
				c.Printf("Granted %d x %s to %s.\n", quantity, kind, userID)
			},
		},
		{
			Name: "coins",
			Desc: "Apply a manual coin adjustment to a user",
			Func: func(c *ishell.Context) {
				userID := readUserID(c)

				var delta int64
				for {
					c.Print("Enter Delta (negative to deduct): ")
					raw := strings.TrimSpace(c.ReadLine())
					d, err := strconv.ParseInt(raw, 10, 64)
					if err == nil && d != 0 {
						delta = d
						break
					}
					c.Println("Delta must be a non-zero integer.")
				}

				c.Print("Enter Description: ")
				description := strings.TrimSpace(c.ReadLine())

				if err := client.AdjustCoins(userID, delta, description); err != nil {
					utils.PrintError(err.Error())
					return
				}
				c.Printf("Applied %+d coins to %s.\n", delta, userID)
			},
		},
		{
			Name: "forget-token",
			Desc: "Remove the stored admin token from the keyring",
			Func: func(c *ishell.Context) {
				client.ForgetToken()
				c.Println("Stored admin token removed.")
			},
		},
	}
}

// addCommands is a helper function that adds the given commands to the shell.
func addCommands(shell *ishell.Shell, commands []Command) {
	for _, command := range commands {
		shell.AddCmd(&ishell.Cmd{
			Name: command.Name,
			Help: command.Desc,
			Func: command.Func,
		})
	}
}

// Execute is the main function that executes the shell.
// It welcomes the operator, adds the commands to the shell, and runs the shell.
func Execute() {
	shell.Println()
	figure.NewFigure("GoalGuard", "basic", true).Print()
	shell.Println("Welcome to the GoalGuard operator console. Type 'help' to see a list of commands.")

	addCommands(shell, operatorCommands)

	shell.Run()
}
