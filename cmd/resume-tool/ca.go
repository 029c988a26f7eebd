package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/vectorlink-task/pkg/kv/etcdstore"
	"github.com/cuemby/vectorlink-task/pkg/tlsconfig"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the optional mTLS certificate authority for this queue",
}

var caMasterKey string

func init() {
	caCmd.PersistentFlags().StringVar(&caMasterKey, "master-key", "", "passphrase protecting the CA's root private key at rest (required)")
	_ = caCmd.MarkPersistentFlagRequired("master-key")

	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caIssueWorkerCmd)
	caCmd.AddCommand(caIssueOperatorCmd)
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a root CA and persist it, encrypted, in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := etcdstore.Connect(etcdEndpoints)
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer store.Close()

		ca := tlsconfig.NewCA(store)
		if err := ca.Initialize(); err != nil {
			return err
		}
		if err := ca.SaveToStore(context.Background(), tlsconfig.DeriveKey(caMasterKey)); err != nil {
			return err
		}
		fmt.Println("root CA generated and saved")
		return nil
	},
}

var caIssueWorkerCmd = &cobra.Command{
	Use:   "issue-worker <worker-id> <cert-dir>",
	Short: "Issue a worker/monitor mTLS client certificate and write it to cert-dir",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueAndSave(args[0], args[1], false)
	},
}

var caIssueOperatorCmd = &cobra.Command{
	Use:   "issue-operator <operator-id> <cert-dir>",
	Short: "Issue an operator mTLS client certificate and write it to cert-dir",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueAndSave(args[0], args[1], true)
	},
}

func issueAndSave(id, certDir string, operator bool) error {
	store, err := etcdstore.Connect(etcdEndpoints)
	if err != nil {
		return fmt.Errorf("connecting to etcd: %w", err)
	}
	defer store.Close()

	ca := tlsconfig.NewCA(store)
	if err := ca.LoadFromStore(context.Background(), tlsconfig.DeriveKey(caMasterKey)); err != nil {
		return fmt.Errorf("loading CA: %w", err)
	}

	if operator {
		issued, err := ca.IssueOperatorCertificate(id)
		if err != nil {
			return err
		}
		if err := tlsconfig.SaveCertToFile(issued, certDir); err != nil {
			return err
		}
	} else {
		issued, err := ca.IssueWorkerCertificate(id, nil, nil)
		if err != nil {
			return err
		}
		if err := tlsconfig.SaveCertToFile(issued, certDir); err != nil {
			return err
		}
	}

	if err := tlsconfig.SaveCACertToFile(ca.RootCertDER(), certDir); err != nil {
		return err
	}

	fmt.Printf("issued certificate for %s in %s\n", id, certDir)
	return nil
}
