// Package policy gates operation plans through Open Policy Agent. Before a
// plan is applied, every loaded Rego policy is evaluated against it; any
// deny result blocks the apply. A built-in policy protects named resources
// from deletion and enforces a per-plan delete budget; additional .rego
// files can be loaded from a directory.
package policy
