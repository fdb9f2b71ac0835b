// Package identity provides functionality for generating identifiers used
// across the pool manager, such as pool-filler resource names and appliance
// display-name suffixes.
//
// Random Identifiers
//
// Identifiers provided by this package are cryptographically-strong, random
// 128 bit numbers encoded in Base36. This method is preferred over UUID4 since
// it requires less storage and leverages the full 128 bits of entropy.
package identity
