package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tskv"
	"tskv/transaction"
)

// execDemoCmd exercises the transaction_exec retry driver directly: it
// creates a storage (if absent) and increments a counter key inside a
// callback, letting the driver retry on ErrAbortedRetryable the way a real
// client's read-modify-write loop would.
var execDemoCmd = &cobra.Command{
	Use:   "exec-demo STORAGE KEY",
	Short: "Increment a counter key via the transaction_exec retry driver",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		retries, _ := cmd.Flags().GetUint64("retries")
		ctx := context.Background()

		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Dispose()

		bootstrap, code := db.CreateTransaction(ctx, tskv.NewTransactionOptions())
		if code != tskv.OK {
			return fmt.Errorf("begin: %s", code)
		}
		if _, code := db.Registry().GetStorage(ctx, []byte(args[0]), bootstrap, nil); code == tskv.NotFound {
			db.Abort(ctx, bootstrap)
			create, code := db.CreateTransaction(ctx, tskv.NewTransactionOptions())
			if code != tskv.OK {
				return fmt.Errorf("begin: %s", code)
			}
			if _, code := db.Registry().CreateStorage(ctx, []byte(args[0]), create, finisher(ctx, db, create)); code != tskv.OK {
				return fmt.Errorf("create storage %q: %s", args[0], code)
			}
		} else {
			db.Abort(ctx, bootstrap)
		}

		opts := tskv.NewTransactionOptions().WithRetryCount(retries)
		key := []byte(args[1])

		rc := db.TransactionExec(ctx, opts, func(ctx context.Context, txn *transaction.Transaction, argument any) tskv.TransactionOperation {
			st, code := db.Registry().GetStorage(ctx, []byte(args[0]), txn, nil)
			if code != tskv.OK {
				return tskv.TxError
			}

			current := 0
			v, code := st.Get(ctx, txn, key)
			switch code {
			case tskv.OK:
				fmt.Sscanf(string(v), "%d", &current)
			case tskv.NotFound:
				current = 0
			default:
				return tskv.TxError
			}

			next := fmt.Sprintf("%d", current+1)
			if code := st.Put(ctx, txn, key, []byte(next), tskv.CreateOrUpdate); code != tskv.OK {
				return tskv.TxError
			}
			return tskv.Commit
		}, nil)

		if rc != tskv.OK {
			return fmt.Errorf("exec-demo: %s", rc)
		}
		fmt.Println("OK")
		return nil
	},
}

func init() {
	execDemoCmd.Flags().Uint64("retries", 5, "retry bound passed to transaction_exec")
}
