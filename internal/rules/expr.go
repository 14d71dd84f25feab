package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// exprCostLimit bounds the runtime cost of a single predicate evaluation.
const exprCostLimit = 10000

func routingEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("has_score", cel.BoolType),
		cel.Variable("capacity_estimate", cel.DoubleType),
		cel.Variable("ask_readiness", cel.StringType),
		cel.Variable("renewal_risk", cel.StringType),
		cel.Variable("ticket_propensity", cel.IntType),
		cel.Variable("corporate_propensity", cel.IntType),
	)
}

func collisionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("existing_kind", cel.StringType),
		cel.Variable("existing_type", cel.StringType),
		cel.Variable("existing_status", cel.StringType),
		cel.Variable("incoming_type", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("age_days", cel.DoubleType),
	)
}

// compileExpr type-checks src against env and requires a bool result.
func compileExpr(env *cel.Env, src string) (cel.Program, error) {
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return env.Program(ast, cel.CostLimit(exprCostLimit))
}

func evalBool(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate expr: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expr returned %T", out.Value())
	}
	return b, nil
}

func routingVars(in RoutingInput) map[string]any {
	vars := map[string]any{
		"type":                 string(in.Type),
		"amount":               in.Amount,
		"has_score":            in.Score != nil,
		"capacity_estimate":    0.0,
		"ask_readiness":        "",
		"renewal_risk":         "",
		"ticket_propensity":    int64(0),
		"corporate_propensity": int64(0),
	}
	if s := in.Score; s != nil {
		vars["capacity_estimate"] = s.CapacityEstimate
		vars["ask_readiness"] = s.AskReadiness
		vars["renewal_risk"] = s.RenewalRisk
		vars["ticket_propensity"] = int64(s.TicketPropensity)
		vars["corporate_propensity"] = int64(s.CorporatePropensity)
	}
	return vars
}

func collisionVars(in CollisionInput) map[string]any {
	return map[string]any{
		"existing_kind":   in.Existing.Kind,
		"existing_type":   string(in.Existing.Type),
		"existing_status": in.Existing.Status,
		"incoming_type":   string(in.IncomingType),
		"amount":          in.Amount,
		"age_days":        in.Now.Sub(in.Existing.UpdatedAt).Hours() / 24,
	}
}
