package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
)

const (
	defaultFunctionDeployTimeout = 5 * time.Minute
	functionPollInterval         = 2 * time.Second
)

// FunctionExecutor deploys function targets: push new code, settle,
// apply configuration, publish an immutable version and repoint the
// alias. There is no rollback arm; the previously published versions
// stay addressable, and repointing the alias is the escape hatch.
type FunctionExecutor struct {
	logger       log.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	clients map[string]lambdaiface.LambdaAPI
	// newClient is swapped out in tests.
	newClient func(region, roleARN string) (lambdaiface.LambdaAPI, error)
}

func NewFunctionExecutor(logger log.Logger) *FunctionExecutor {
	return &FunctionExecutor{
		logger:       logger,
		pollInterval: functionPollInterval,
		clients:      map[string]lambdaiface.LambdaAPI{},
		newClient:    awsLambdaClient,
	}
}

func awsLambdaClient(region, roleARN string) (lambdaiface.LambdaAPI, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	if roleARN == "" {
		return lambda.New(sess), nil
	}
	return lambda.New(sess, &aws.Config{Credentials: stscreds.NewCredentials(sess, roleARN)}), nil
}

func (e *FunctionExecutor) Kind() target.Kind {
	return target.KindFunction
}

func (e *FunctionExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	t := req.Target
	fn := t.Function
	if t.Kind != target.KindFunction || fn == nil {
		return nil, errors.Errorf("target %s is not a function", t.ID())
	}
	res := &Result{
		Target:    t.ID(),
		Kind:      t.Kind,
		Status:    StatusFailed,
		State:     StatePending,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		res.FinishedAt = time.Now().UTC()
		observeDeploy(res, res.StartedAt)
	}()
	if req.Artifact != nil {
		res.Digest = req.Artifact.Digest
	}

	if t.Protected && !req.ConfirmedProtected {
		return res, &Error{Target: t.ID(), State: res.State, Reason: ReasonDenied,
			Err: errors.New("target is protected; pass confirmation to deploy")}
	}

	client, err := e.clientFor(fn.Region, fn.RoleARN)
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}

	codeInput, codeDesc, err := codeSource(req)
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}
	codeInput.FunctionName = aws.String(fn.FunctionName)
	if fn.Architecture != "" {
		codeInput.Architectures = []*string{aws.String(fn.Architecture)}
	}

	if fn.Alias != "" {
		out, err := client.GetAliasWithContext(ctx, &lambda.GetAliasInput{
			FunctionName: aws.String(fn.FunctionName),
			Name:         aws.String(fn.Alias),
		})
		switch {
		case err == nil:
			res.PriorVersion = aws.StringValue(out.FunctionVersion)
		case isLambdaNotFound(err):
			// first deploy; the alias gets created below
		default:
			return res, failed(t.ID(), res.State, errors.Wrap(err, "querying alias"))
		}
	}

	if req.DryRun {
		res.Preview = previewFunction(fn, codeDesc, res.PriorVersion, req.SkipPublish)
		res.Status = StatusSucceeded
		res.Message = "dry run; nothing was applied"
		return res, nil
	}

	settleTimeout := defaultFunctionDeployTimeout
	if req.TimeoutSeconds > 0 {
		settleTimeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	// Mutations run to completion even if the caller goes away; an
	// abandoned half-updated function is worse than a slow deploy.
	// Only the settle polls honor ctx.
	res.State = StateCodeUpdating
	e.logger.Log("target", t.ID(), "state", res.State, "code", codeDesc)
	timer := NewStageTimer("update_code")
	err = e.updateCode(ctx, client, fn.FunctionName, codeInput, settleTimeout)
	timer.ObserveDuration()
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}

	cfgInput, changed, err := configDelta(ctx, client, fn)
	if err != nil {
		return res, failed(t.ID(), res.State, err)
	}
	res.State = StateConfigUpdating
	if changed {
		e.logger.Log("target", t.ID(), "state", res.State)
		timer = NewStageTimer("update_config")
		err = e.updateConfiguration(ctx, client, fn.FunctionName, cfgInput, settleTimeout)
		timer.ObserveDuration()
		if err != nil {
			return res, failed(t.ID(), res.State, err)
		}
	} else {
		e.logger.Log("target", t.ID(), "state", res.State, "note", "configuration unchanged")
	}

	if req.SkipPublish {
		res.State = StateSucceeded
		res.Status = StatusSucceeded
		res.Message = "code and configuration updated; version publishing skipped"
		e.logger.Log("target", t.ID(), "state", res.State, "note", "publish skipped")
		return res, nil
	}

	res.State = StateVersionPublishing
	timer = NewStageTimer("publish_version")
	pub, err := client.PublishVersionWithContext(aws.BackgroundContext(), &lambda.PublishVersionInput{
		FunctionName: aws.String(fn.FunctionName),
	})
	timer.ObserveDuration()
	if err != nil {
		return res, failed(t.ID(), res.State, errors.Wrap(err, "publishing version"))
	}
	res.Version = aws.StringValue(pub.Version)
	e.logger.Log("target", t.ID(), "state", res.State, "version", res.Version)

	if fn.Alias != "" {
		res.State = StateAliasUpdating
		timer = NewStageTimer("update_alias")
		err = e.pointAlias(client, fn, res.Version)
		timer.ObserveDuration()
		if err != nil {
			return res, failed(t.ID(), res.State, err)
		}
		e.logger.Log("target", t.ID(), "state", res.State, "alias", fn.Alias, "version", res.Version, "prior", res.PriorVersion)
	}

	res.State = StateSucceeded
	res.Status = StatusSucceeded
	if fn.Alias != "" && res.PriorVersion != "" {
		res.Message = fmt.Sprintf("alias %s moved from version %s to %s", fn.Alias, res.PriorVersion, res.Version)
	}
	return res, nil
}

func (e *FunctionExecutor) clientFor(region, roleARN string) (lambdaiface.LambdaAPI, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := region + "|" + roleARN
	if c, ok := e.clients[key]; ok {
		return c, nil
	}
	c, err := e.newClient(region, roleARN)
	if err != nil {
		return nil, err
	}
	e.clients[key] = c
	return c, nil
}

func (e *FunctionExecutor) updateCode(ctx context.Context, client lambdaiface.LambdaAPI, name string, input *lambda.UpdateFunctionCodeInput, timeout time.Duration) error {
	if _, err := client.UpdateFunctionCodeWithContext(aws.BackgroundContext(), input); err != nil {
		return errors.Wrap(err, "updating function code")
	}
	return e.waitSettled(ctx, client, name, timeout)
}

func (e *FunctionExecutor) updateConfiguration(ctx context.Context, client lambdaiface.LambdaAPI, name string, input *lambda.UpdateFunctionConfigurationInput, timeout time.Duration) error {
	if _, err := client.UpdateFunctionConfigurationWithContext(aws.BackgroundContext(), input); err != nil {
		return errors.Wrap(err, "updating function configuration")
	}
	return e.waitSettled(ctx, client, name, timeout)
}

func (e *FunctionExecutor) pointAlias(client lambdaiface.LambdaAPI, fn *target.Function, version string) error {
	_, err := client.UpdateAliasWithContext(aws.BackgroundContext(), &lambda.UpdateAliasInput{
		FunctionName:    aws.String(fn.FunctionName),
		Name:            aws.String(fn.Alias),
		FunctionVersion: aws.String(version),
	})
	if err == nil {
		return nil
	}
	if !isLambdaNotFound(err) {
		return errors.Wrap(err, "updating alias")
	}
	_, err = client.CreateAliasWithContext(aws.BackgroundContext(), &lambda.CreateAliasInput{
		FunctionName:    aws.String(fn.FunctionName),
		Name:            aws.String(fn.Alias),
		FunctionVersion: aws.String(version),
	})
	return errors.Wrap(err, "creating alias")
}

// waitSettled polls until the last update on the function has been
// worked through. Lambda applies code and configuration updates
// asynchronously; publishing a version before the update settles
// would snapshot the old code.
func (e *FunctionExecutor) waitSettled(ctx context.Context, client lambdaiface.LambdaAPI, name string, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(e.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.Wrap(context.DeadlineExceeded, "function update did not settle")
		case <-tick.C:
			out, err := client.GetFunctionConfigurationWithContext(ctx, &lambda.GetFunctionConfigurationInput{
				FunctionName: aws.String(name),
			})
			if err != nil {
				return errors.Wrap(err, "querying function state")
			}
			switch aws.StringValue(out.LastUpdateStatus) {
			case lambda.LastUpdateStatusSuccessful:
				return nil
			case lambda.LastUpdateStatusFailed:
				return errors.Errorf("function update failed: %s", aws.StringValue(out.LastUpdateStatusReason))
			}
		}
	}
}

// codeSource picks where the function code comes from: an S3 object
// recorded by the store, or the package file itself when it is small
// enough to send inline.
func codeSource(req Request) (*lambda.UpdateFunctionCodeInput, string, error) {
	if ref := req.StoreRef; ref != nil {
		if ref.Backend == "s3" {
			return &lambda.UpdateFunctionCodeInput{
				S3Bucket: aws.String(ref.Bucket),
				S3Key:    aws.String(ref.Key),
			}, ref.String(), nil
		}
		input, err := inlineZip(ref.Key)
		return input, ref.String(), err
	}
	if req.Artifact != nil && req.Artifact.Path != "" {
		input, err := inlineZip(req.Artifact.Path)
		return input, fmt.Sprintf("local package %s", req.Artifact.Path), err
	}
	return nil, "", errors.New("nothing to deploy: no package and no store reference")
}

func inlineZip(path string) (*lambda.UpdateFunctionCodeInput, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading package")
	}
	if info.Size() > store.DirectUploadLimit {
		return nil, errors.Errorf("package is %d bytes, over the %d byte direct upload limit; store it first and deploy from the store", info.Size(), store.DirectUploadLimit)
	}
	zipBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading package")
	}
	return &lambda.UpdateFunctionCodeInput{ZipFile: zipBytes}, nil
}

// configDelta works out whether the function's configuration differs
// from the target's, and if so builds the update to apply. Unset
// target fields are left alone rather than reset.
func configDelta(ctx context.Context, client lambdaiface.LambdaAPI, fn *target.Function) (*lambda.UpdateFunctionConfigurationInput, bool, error) {
	current, err := client.GetFunctionConfigurationWithContext(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(fn.FunctionName),
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "querying function configuration")
	}

	input := &lambda.UpdateFunctionConfigurationInput{FunctionName: aws.String(fn.FunctionName)}
	changed := false
	if fn.Runtime != "" && fn.Runtime != aws.StringValue(current.Runtime) {
		input.Runtime = aws.String(fn.Runtime)
		changed = true
	}
	if fn.Handler != "" && fn.Handler != aws.StringValue(current.Handler) {
		input.Handler = aws.String(fn.Handler)
		changed = true
	}
	if fn.MemorySize > 0 && int64(fn.MemorySize) != aws.Int64Value(current.MemorySize) {
		input.MemorySize = aws.Int64(int64(fn.MemorySize))
		changed = true
	}
	if fn.Timeout > 0 && int64(fn.Timeout) != aws.Int64Value(current.Timeout) {
		input.Timeout = aws.Int64(int64(fn.Timeout))
		changed = true
	}
	if len(fn.Layers) > 0 && !sameLayers(current.Layers, fn.Layers) {
		input.Layers = aws.StringSlice(fn.Layers)
		changed = true
	}
	if len(fn.Environment) > 0 {
		merged, err := mergeEnvironment(current.Environment, fn.Environment)
		if err != nil {
			return nil, false, err
		}
		var existing map[string]*string
		if current.Environment != nil {
			existing = current.Environment.Variables
		}
		if !reflect.DeepEqual(merged, existing) {
			input.Environment = &lambda.Environment{Variables: merged}
			changed = true
		}
	}
	return input, changed, nil
}

// mergeEnvironment lays the target's variables over the function's
// current ones as a JSON merge patch. An empty value in the target
// means remove the variable, which is what merge patch does with
// null.
func mergeEnvironment(current *lambda.EnvironmentResponse, overrides map[string]string) (map[string]*string, error) {
	base := map[string]string{}
	if current != nil {
		base = aws.StringValueMap(current.Variables)
	}
	patch := map[string]interface{}{}
	for k, v := range overrides {
		if v == "" {
			patch[k] = nil
		} else {
			patch[k] = v
		}
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	mergedJSON, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, errors.Wrap(err, "merging environment")
	}
	var merged map[string]string
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return aws.StringMap(merged), nil
}

func sameLayers(current []*lambda.Layer, want []string) bool {
	if len(current) != len(want) {
		return false
	}
	got := make([]string, len(current))
	for i, l := range current {
		got[i] = aws.StringValue(l.Arn)
	}
	sort.Strings(got)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	return reflect.DeepEqual(got, sorted)
}

func previewFunction(fn *target.Function, codeDesc, priorVersion string, skipPublish bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "update code of %s from %s\n", fn.FunctionName, codeDesc)
	if fn.Runtime != "" || fn.Handler != "" || fn.MemorySize > 0 || fn.Timeout > 0 || len(fn.Layers) > 0 || len(fn.Environment) > 0 {
		fmt.Fprintf(&b, "apply configuration:")
		if fn.Runtime != "" {
			fmt.Fprintf(&b, " runtime=%s", fn.Runtime)
		}
		if fn.Handler != "" {
			fmt.Fprintf(&b, " handler=%s", fn.Handler)
		}
		if fn.MemorySize > 0 {
			fmt.Fprintf(&b, " memory=%dMiB", fn.MemorySize)
		}
		if fn.Timeout > 0 {
			fmt.Fprintf(&b, " timeout=%ds", fn.Timeout)
		}
		if len(fn.Layers) > 0 {
			fmt.Fprintf(&b, " layers=%s", strings.Join(fn.Layers, ","))
		}
		if len(fn.Environment) > 0 {
			keys := make([]string, 0, len(fn.Environment))
			for k := range fn.Environment {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(&b, " env=%s", strings.Join(keys, ","))
		}
		fmt.Fprintln(&b)
	}
	if skipPublish {
		fmt.Fprintln(&b, "skip version publishing; the alias stays put")
		return b.String()
	}
	fmt.Fprintf(&b, "publish a new version")
	if fn.Alias != "" {
		fmt.Fprintf(&b, " and point alias %s at it", fn.Alias)
		if priorVersion != "" {
			fmt.Fprintf(&b, " (currently %s)", priorVersion)
		}
	}
	fmt.Fprintln(&b)
	return b.String()
}

func isLambdaNotFound(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	return ok && aerr.Code() == lambda.ErrCodeResourceNotFoundException
}
