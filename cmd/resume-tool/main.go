// Command resume-tool is the operator's manual recovery CLI: resume one
// Error task, or every Error task under an id prefix, back to Resuming.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/vectorlink-task/pkg/kv/etcdstore"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/resume"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "resume-tool",
	Short:   "Manually resume failed tasks on a vectorlink-task queue",
	Version: Version,
}

var (
	etcdEndpoints []string
	serviceName   string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("resume-tool version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().StringSliceVar(&etcdEndpoints, "etcd", []string{"localhost:2379"}, "etcd endpoints")
	rootCmd.PersistentFlags().StringVar(&serviceName, "service", "", "service name the task(s) belong to")

	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(resumeAllCmd)
	rootCmd.AddCommand(caCmd)

	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: false})
	})
}

// requireService fails the command if --service was left empty; resume
// and resume-all both operate on one service's task prefixes, but the ca
// subcommand group doesn't, so this isn't enforced at the root.
func requireService(cmd *cobra.Command, args []string) error {
	if serviceName == "" {
		return fmt.Errorf("required flag(s) \"service\" not set")
	}
	return nil
}

var resumeCmd = &cobra.Command{
	Use:     "resume <task-id>",
	Short:   "Resume a single Error task",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireService,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := etcdstore.Connect(etcdEndpoints)
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer store.Close()

		prefixes := taskkey.NewPrefixes(serviceName)
		result, err := resume.Task(context.Background(), store, prefixes, args[0])
		if err != nil {
			return err
		}
		if result.Resumed {
			fmt.Printf("resumed task %s\n", result.ID)
		} else {
			fmt.Printf("task %s not resumed: %s\n", result.ID, result.Reason)
		}
		return nil
	},
}

var resumeAllCmd = &cobra.Command{
	Use:     "resume-all <id-prefix>",
	Short:   "Resume every Error task whose id starts with the given prefix",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireService,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := etcdstore.Connect(etcdEndpoints)
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer store.Close()

		prefixes := taskkey.NewPrefixes(serviceName)
		results, err := resume.All(context.Background(), store, prefixes, args[0])
		if err != nil {
			return err
		}

		resumed := 0
		for _, r := range results {
			if r.Resumed {
				resumed++
				fmt.Printf("resumed task %s\n", r.ID)
			} else {
				fmt.Printf("task %s not resumed: %s\n", r.ID, r.Reason)
			}
		}
		fmt.Printf("resumed %d of %d tasks\n", resumed, len(results))
		return nil
	},
}
