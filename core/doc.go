// Package core holds the tanda rotation ledger, the payment authorization
// saga and the contracts their stores and protocol clients implement.
// Adapters depend on core; core never imports transport or storage code.
package core
