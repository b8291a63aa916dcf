package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	allowQuery = "data.provisioner.admission.allow"
	denyQuery  = "data.provisioner.admission.deny"
)

// DefaultAdmissionPolicy checks the phone number shape, configured denied prefixes and the
// live session limit. A policy file can replace it as long as it keeps the package name
// and the allow/deny rules.
const DefaultAdmissionPolicy = `package provisioner.admission

default allow := false

allow if {
	count(deny) == 0
}

deny contains "phone number must have 8 to 15 digits" if {
	count(input.phone) < 8
}

deny contains "phone number must have 8 to 15 digits" if {
	count(input.phone) > 15
}

deny contains "phone number prefix is not allowed" if {
	some prefix in input.settings.denied_prefixes
	startswith(input.phone, prefix)
}

deny contains "too many active sessions" if {
	input.settings.max_active_sessions > 0
	input.active_sessions >= input.settings.max_active_sessions
}
`

// Settings are the operator-provided values passed to the policy as input.settings.
type Settings struct {
	MaxActiveSessions int
	DeniedPrefixes    []string
}

// OPAEvaluator evaluates the admission policy with the in-process OPA Rego engine.
type OPAEvaluator struct {
	settings Settings
	allow    rego.PreparedEvalQuery
	deny     rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (DefaultAdmissionPolicy when empty) once and returns an evaluator.
func NewOPAEvaluator(ctx context.Context, policy string, settings Settings) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultAdmissionPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"admission.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile admission policy: %w", err)
	}
	allow, err := rego.New(rego.Query(allowQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admission policy: %w", err)
	}
	deny, err := rego.New(rego.Query(denyQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admission policy: %w", err)
	}
	return &OPAEvaluator{settings: settings, allow: allow, deny: deny}, nil
}

// HealthCheck evaluates the compiled policy against a known-good request. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateAdmission(ctx, AdmissionInput{UserID: "healthcheck", Phone: "15550000000"})
	return err
}

// EvaluateAdmission evaluates the policy for in. An undefined allow rule denies; evaluation
// errors are returned and never treated as allow.
func (e *OPAEvaluator) EvaluateAdmission(ctx context.Context, in AdmissionInput) (AdmissionResult, error) {
	input := rego.EvalInput(e.buildInput(in))

	var out AdmissionResult
	rs, err := e.allow.Eval(ctx, input)
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("eval admission policy: %w", err)
	}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		out.Allowed, _ = rs[0].Expressions[0].Value.(bool)
	}

	rs, err = e.deny.Eval(ctx, input)
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("eval admission policy: %w", err)
	}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if deny, ok := rs[0].Expressions[0].Value.([]interface{}); ok {
			for _, d := range deny {
				if s, ok := d.(string); ok {
					out.Reasons = append(out.Reasons, s)
				}
			}
		}
	}
	sort.Strings(out.Reasons)
	if out.Allowed {
		out.Reasons = nil
	} else if len(out.Reasons) == 0 {
		out.Reasons = []string{"denied by admission policy"}
	}
	return out, nil
}

func (e *OPAEvaluator) buildInput(in AdmissionInput) map[string]interface{} {
	prefixes := make([]interface{}, len(e.settings.DeniedPrefixes))
	for i, p := range e.settings.DeniedPrefixes {
		prefixes[i] = p
	}
	return map[string]interface{}{
		"user_id":         in.UserID,
		"phone":           in.Phone,
		"active_sessions": in.ActiveSessions,
		"settings": map[string]interface{}{
			"max_active_sessions": e.settings.MaxActiveSessions,
			"denied_prefixes":     prefixes,
		},
	}
}
