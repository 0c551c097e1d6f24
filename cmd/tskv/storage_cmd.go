package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"tskv"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage named storages within the database",
}

var storageCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Dispose()

		txn, code := db.CreateTransaction(ctx, tskv.NewTransactionOptions())
		if code != tskv.OK {
			return fmt.Errorf("begin: %s", code)
		}

		st, code := db.Registry().CreateStorage(ctx, []byte(args[0]), txn, finisher(ctx, db, txn))
		if code != tskv.OK {
			return fmt.Errorf("create storage %q: %s", args[0], code)
		}

		fmt.Printf("storage %q created (id=%d)\n", args[0], st.Options().StorageID)
		return nil
	},
}

var storageDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Delete a storage and everything it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Dispose()

		txn, code := db.CreateTransaction(ctx, tskv.NewTransactionOptions())
		if code != tskv.OK {
			return fmt.Errorf("begin: %s", code)
		}

		st, code := db.Registry().GetStorage(ctx, []byte(args[0]), txn, finisher(ctx, db, txn))
		if code != tskv.OK {
			db.Abort(ctx, txn)
			return fmt.Errorf("lookup storage %q: %s", args[0], code)
		}

		if code := db.Registry().DeleteStorage(ctx, st, txn, finisher(ctx, db, txn)); code != tskv.OK {
			return fmt.Errorf("drop storage %q: %s", args[0], code)
		}

		fmt.Printf("storage %q dropped\n", args[0])
		return nil
	},
}

var storageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered storages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Dispose()

		names := db.Registry().Names()
		strs := make([]string, len(names))
		for i, n := range names {
			strs[i] = string(n)
		}
		sort.Strings(strs)
		for _, s := range strs {
			fmt.Println(s)
		}
		return nil
	},
}

func init() {
	storageCmd.AddCommand(storageCreateCmd)
	storageCmd.AddCommand(storageDropCmd)
	storageCmd.AddCommand(storageListCmd)
}
