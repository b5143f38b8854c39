// Package ir holds the value model, canonical serialization and digests that
// every other internal package builds on.
//
// ir imports nothing internal. Key constraints:
//   - Payload digests are a pure function of the canonical serialization
//   - Canonical JSON follows RFC 8785 key ordering with NFC strings
//   - Non-finite numbers never serialize
//   - All JSON tags use snake_case
package ir
