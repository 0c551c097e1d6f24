package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tskv"
	"tskv/database"
	"tskv/storage"
	"tskv/transaction"
)

// withStorage opens the database, begins a SHORT transaction, looks up
// storageName, and hands both to fn; fn's returned status decides whether
// the transaction commits or aborts.
func withStorage(storageName string, fn func(ctx context.Context, db *database.Database, txn *transaction.Transaction, st *storage.Storage) tskv.StatusCode) error {
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

	st, code := db.Registry().GetStorage(ctx, []byte(storageName), txn, nil)
	if code != tskv.OK {
		db.Abort(ctx, txn)
		return fmt.Errorf("lookup storage %q: %s", storageName, code)
	}

	result := fn(ctx, db, txn, st)
	if result == tskv.OK {
		if code := db.Commit(ctx, txn, false); code != tskv.OK {
			return fmt.Errorf("commit: %s", code)
		}
		return nil
	}
	db.Abort(ctx, txn)
	return fmt.Errorf("%s", result)
}

var putCmd = &cobra.Command{
	Use:   "put STORAGE KEY VALUE",
	Short: "Write a key/value pair into a storage",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		update, _ := cmd.Flags().GetBool("update")
		create, _ := cmd.Flags().GetBool("create")
		op := tskv.CreateOrUpdate
		switch {
		case update:
			op = tskv.Update
		case create:
			op = tskv.Create
		}

		err := withStorage(args[0], func(ctx context.Context, db *database.Database, txn *transaction.Transaction, st *storage.Storage) tskv.StatusCode {
			return st.Put(ctx, txn, []byte(args[1]), []byte(args[2]), op)
		})
		if err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get STORAGE KEY",
	Short: "Read a key from a storage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value []byte
		err := withStorage(args[0], func(ctx context.Context, db *database.Database, txn *transaction.Transaction, st *storage.Storage) tskv.StatusCode {
			v, code := st.Get(ctx, txn, []byte(args[1]))
			if code == tskv.OK {
				value = append([]byte{}, v...)
			}
			return code
		})
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete STORAGE KEY",
	Short: "Delete a key from a storage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withStorage(args[0], func(ctx context.Context, db *database.Database, txn *transaction.Transaction, st *storage.Storage) tskv.StatusCode {
			return st.Remove(ctx, txn, []byte(args[1]))
		})
		if err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan STORAGE [PREFIX]",
	Short: "Scan a storage, optionally restricted to a key prefix",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 2 {
			prefix = args[1]
		}

		err := withStorage(args[0], func(ctx context.Context, db *database.Database, txn *transaction.Transaction, st *storage.Storage) tskv.StatusCode {
			it, code := st.ScanPrefix(ctx, txn, []byte(prefix))
			if code != tskv.OK {
				return code
			}
			defer it.Close()
			for {
				code := it.Next(ctx)
				if code == tskv.NotFound {
					return tskv.OK
				}
				if code != tskv.OK {
					return code
				}
				fmt.Printf("%s=%s\n", it.Key(), it.Value())
			}
		})
		return err
	},
}

func init() {
	putCmd.Flags().Bool("create", false, "fail if the key already exists")
	putCmd.Flags().Bool("update", false, "fail if the key is absent")
}
