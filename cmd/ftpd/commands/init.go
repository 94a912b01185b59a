package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goftpd/goftpd/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Writes a default configuration file to --config (or ./ftpd.yaml) that
can be edited and then passed to "ftpd start".`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = "ftpd.yaml"
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			exitErr("config file already exists: %s (use --force to overwrite)", path)
		}
	}

	if err := config.Save(config.Default(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("Edit it, then start the server with: ftpd start --config " + path)
	return nil
}
