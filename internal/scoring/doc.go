// Package scoring judges cohorts of receipts by how well they compress.
//
// Templated activity (the same invoice reissued with a new number) compresses
// far better than organic activity. A cohort whose compression ratio falls
// below its domain's threshold leans towards fraud; how far below, how fresh
// the evidence is, and how many receipts contradict the cohort decide the
// verdict. When the evidence is weak the verdict is abstain, never an error.
package scoring
