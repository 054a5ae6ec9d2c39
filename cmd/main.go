package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"go.miloapis.com/email-provider-listapi/cmd/list"
	manager "go.miloapis.com/email-provider-listapi/cmd/manager"
	version "go.miloapis.com/email-provider-listapi/cmd/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "email-provider-listapi",
		Short: "List provider integration for Milo",
		Long:  "Manage list subscribers directly, or run the Kubernetes controller that syncs Milo contact group memberships to the list provider.",
	}

	rootCmd.AddCommand(list.NewSubscribeCommand())
	rootCmd.AddCommand(list.NewMemberInfoCommand())
	rootCmd.AddCommand(list.NewUnsubscribeCommand())
	rootCmd.AddCommand(manager.CreateManagerCommand())
	rootCmd.AddCommand(version.NewVersionCommand())

	if err := rootCmd.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
