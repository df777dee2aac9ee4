// Package policy gates plans with Open Policy Agent rules before any
// mutation runs. Built-in policies cap environment TTLs and resource
// counts and protect labeled environments from deletion; additional Rego
// policies can be registered at runtime.
package policy
