package types

// Encryption Types (page 141)

// CpKeyClassT is a protection class.
// Reference: page 141
type CpKeyClassT uint32
