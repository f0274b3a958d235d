// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grouped implements an optimizer that keeps one independent optimizer state per disjoint group of
// trainable variables.
//
// It's used by multidecoder models: every decoder class, discriminator and the domain adversary have their
// own group, and the shared encoder another one. Only the groups touched by a training step (the variables used
// by the graph) are updated, and each group counts its own steps, so a decoder trained on a third of the batches
// keeps Adam moments and a bias correction as if it had its own optimizer.
//
// Gradients are calculated once, from a single forward pass, and then applied group by group in the configured
// order. Since all updates are derived from the same gradients, applying the decoder groups before the encoder
// group is equivalent to stepping separate optimizers one after the other.
package grouped

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// DefaultScope is the absolute scope under which the per-group optimizer state is stored.
	DefaultScope = "grouped_optimizer"

	// DefaultLearningRate is used if neither Config.LearningRate nor optimizers.ParamLearningRate are set.
	DefaultLearningRate = 0.001
)

// Method is the update rule applied to every group.
type Method int

const (
	Adam Method = iota
	SGD
)

// String implements fmt.Stringer.
func (m Method) String() string {
	switch m {
	case Adam:
		return "adam"
	case SGD:
		return "sgd"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod parses "adam" or "sgd" (case-insensitive).
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "adam":
		return Adam, nil
	case "sgd":
		return SGD, nil
	}
	return Adam, errors.Errorf("unknown optimizer %q, valid values are \"adam\" and \"sgd\"", name)
}

// GroupFn returns the group of a variable given its absolute scope, or "" if it belongs to no group.
type GroupFn func(variableScope string) string

// Config for the grouped optimizer. Create it with New, and finish it with Done.
type Config struct {
	groups       []string
	groupOf      GroupFn
	method       Method
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// New creates the configuration of a grouped optimizer: groups lists the group names in the order their updates
// are applied, and groupOf assigns variables to groups.
//
// The defaults are those of torch.optim.Adam: betas (0.9, 0.999) and epsilon 1e-8.
func New(groups []string, groupOf GroupFn) *Config {
	return &Config{
		groups:       slices.Clone(groups),
		groupOf:      groupOf,
		method:       Adam,
		scopeName:    DefaultScope,
		learningRate: -1,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// FromContext configures the optimizer from the context hyperparameters: optimizers.ParamOptimizer selects the
// method ("adam" or "sgd", the default being "adam"), and the Adam hyperparameters (optimizers.ParamAdamBeta1,
// optimizers.ParamAdamBeta2 and optimizers.ParamAdamEpsilon) are honored.
//
// The learning rate is read from optimizers.ParamLearningRate when the graph is built.
func (c *Config) FromContext(ctx *context.Context) *Config {
	method, err := ParseMethod(context.GetParamOr(ctx, optimizers.ParamOptimizer, c.method.String()))
	if err != nil {
		panic(err)
	}
	c.method = method
	c.beta1 = context.GetParamOr(ctx, optimizers.ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, optimizers.ParamAdamBeta2, c.beta2)
	c.epsilon = context.GetParamOr(ctx, optimizers.ParamAdamEpsilon, c.epsilon)
	return c
}

// Method sets the update rule used for all groups.
func (c *Config) Method(method Method) *Config {
	c.method = method
	return c
}

// LearningRate sets the learning rate shared by all groups. If not set (or negative) the value of the
// optimizers.ParamLearningRate hyperparameter is used, or DefaultLearningRate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Betas sets the Adam moving averages coefficients.
func (c *Config) Betas(beta1, beta2 float64) *Config {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the Adam denominator constant.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// Scope sets the absolute scope where the optimizer state is stored. It defaults to DefaultScope.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// Done returns the optimizer. It panics if no groups were given, or if a group is listed twice.
func (c *Config) Done() *Optimizer {
	if len(c.groups) == 0 {
		exceptions.Panicf("grouped optimizer requires at least one group")
	}
	if c.groupOf == nil {
		exceptions.Panicf("grouped optimizer requires a GroupFn")
	}
	seen := make(map[string]bool, len(c.groups))
	for _, group := range c.groups {
		if group == "" || seen[group] {
			exceptions.Panicf("grouped optimizer: invalid or duplicate group %q in %q", group, c.groups)
		}
		seen[group] = true
	}
	return &Optimizer{config: c}
}

// Optimizer implements optimizers.Interface with one state per group.
type Optimizer struct {
	config *Config
}

var _ optimizers.Interface = (*Optimizer)(nil)

// Groups returns the groups in the order their updates are applied.
func (o *Optimizer) Groups() []string { return slices.Clone(o.config.groups) }

// StateScope returns the absolute scope holding the state of group: its step counter (a "global_step"
// variable) and the moments of its variables.
func (o *Optimizer) StateScope(group string) string {
	return context.ScopeSeparator + o.config.scopeName + context.ScopeSeparator + group
}

// groupUpdate collects the trainable variables of one group used by the graph, and their gradients.
type groupUpdate struct {
	variables []*context.Variable
	gradients []*Node
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, " +
			"are there any trainable variables ?")
	}
	dtype := loss.DType()

	// Bucket gradients per group. The gradients follow the order of the trainable variables in use by the graph.
	updates := make(map[string]*groupUpdate, len(o.config.groups))
	for _, group := range o.config.groups {
		updates[group] = &groupUpdate{}
	}
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx >= len(grads) {
			varIdx++
			continue
		}
		group := o.config.groupOf(v.Scope())
		update, found := updates[group]
		if !found {
			exceptions.Panicf("trainable variable %q belongs to no optimizer group (got group %q), groups are %q",
				v.ScopeAndName(), group, o.config.groups)
		}
		update.variables = append(update.variables, v)
		update.gradients = append(update.gradients, grads[varIdx])
		varIdx++
	}
	if varIdx != len(grads) {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the grouped optimizer sees %d variables -- were new variables created in between ?",
			len(grads), varIdx)
	}

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	for _, group := range o.config.groups {
		update := updates[group]
		if len(update.variables) == 0 {
			continue
		}
		stateCtx := ctx.Checked(false).InAbsPath(o.StateScope(group))
		step := optimizers.IncrementGlobalStepGraph(stateCtx, g, dtype)
		for ii, v := range update.variables {
			grad := update.gradients[ii]
			if grad.DType() != dtype {
				grad = ConvertDType(grad, dtype)
			}
			optimizers.TraceNaNInGradients(ctx, v, grad)
			grad = optimizers.ClipNaNsInGradients(ctx, grad)
			var stepDirection *Node
			switch o.config.method {
			case SGD:
				stepDirection = Mul(learningRate, grad)
			default:
				stepDirection = o.adamStep(stateCtx, v, grad, learningRate, step)
			}
			o.applyStep(ctx, v, stepDirection)
		}
	}
}

// adamStep returns the Adam step (already scaled by the learning rate) for variable v, and updates its moments.
func (o *Optimizer) adamStep(stateCtx *context.Context, v *context.Variable, grad, learningRate, step *Node) *Node {
	g := grad.Graph()
	dtype := grad.DType()
	m1Var, m2Var := o.momentVariables(stateCtx, v, dtype)
	beta1 := Const(g, shapes.CastAsDType(o.config.beta1, dtype))
	beta2 := Const(g, shapes.CastAsDType(o.config.beta2, dtype))
	epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

	moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	moment2 := Add(Mul(beta2, m2Var.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)

	debiasedMoment1 := Div(moment1, OneMinus(Pow(beta1, step)))
	debiasedMoment2 := Div(moment2, OneMinus(Pow(beta2, step)))
	return Div(Mul(learningRate, debiasedMoment1), Add(Sqrt(debiasedMoment2), epsilon))
}

// applyStep subtracts stepDirection from v, clipping it as configured by the optimizers hyperparameters.
func (o *Optimizer) applyStep(ctx *context.Context, v *context.Variable, stepDirection *Node) {
	g := stepDirection.Graph()
	stepDirection = optimizers.ClipStepByValue(ctx, stepDirection)
	value := v.ValueGraph(g)
	if value.DType() != stepDirection.DType() {
		value = ConvertDType(value, stepDirection.DType())
	}
	updated := Sub(value, stepDirection)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if updated.DType() != v.Shape().DType {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// momentVariables returns the 1st and 2nd moments of trainable, stored under the group state scope followed by
// the variable's own scope.
func (o *Optimizer) momentVariables(stateCtx *context.Context, trainable *context.Variable, dtype dtypes.DType) (
	m1, m2 *context.Variable) {
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	momentCtx := stateCtx.InAbsPath(stateCtx.Scope() + trainable.Scope()).WithInitializer(initializers.Zero)
	m1 = momentCtx.VariableWithShape(trainable.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = momentCtx.VariableWithShape(trainable.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}

// Clear deletes the state of all groups.
// It implements optimizers.Interface.
func (o *Optimizer) Clear(ctx *context.Context) error {
	err := ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
	if err != nil {
		return errors.WithMessagef(err, "failed to clear grouped optimizer state in scope %q", o.config.scopeName)
	}
	return nil
}

// GroupSteps returns the number of steps taken by each group so far. Groups never updated are reported as 0.
func (o *Optimizer) GroupSteps(ctx *context.Context) map[string]int64 {
	steps := make(map[string]int64, len(o.config.groups))
	for _, group := range o.config.groups {
		steps[group] = 0
		v := ctx.GetVariableByScopeAndName(o.StateScope(group), optimizers.GlobalStepVariableName)
		if v == nil {
			continue
		}
		if value, ok := v.MustValue().Value().(int64); ok {
			steps[group] = value
		}
	}
	return steps
}
