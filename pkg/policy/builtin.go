package policy

// builtinGuard is the always-loaded plan policy: protected resources may
// not be deleted, and the number of deletes per plan is budgeted.
const builtinGuard = `package converge.guard

import rego.v1

deletes contains op if {
	some op in input.plan.operations
	op.kind == "delete"
}

deny contains msg if {
	some op in deletes
	res := sprintf("%s.%s", [op.resource.type, op.resource.name])
	res in input.protected
	msg := sprintf("protected resource %s may not be deleted", [res])
}

deny contains msg if {
	input.max_deletes > 0
	count(deletes) > input.max_deletes
	msg := sprintf("plan deletes %d resources, budget is %d", [count(deletes), input.max_deletes])
}
`
