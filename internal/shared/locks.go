package shared

import "fmt"

// ProductLockKey builds lock keys for per-product critical sections.
func ProductLockKey(productID string) string {
	return fmt.Sprintf("ledger:product:%s:lock", productID)
}

// InvoiceLockKey builds lock keys for invoice status transitions.
func InvoiceLockKey(invoiceID string) string {
	return fmt.Sprintf("ledger:invoice:%s:lock", invoiceID)
}
