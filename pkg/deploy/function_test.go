package deploy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
)

type mockLambdaClient struct {
	lambdaiface.LambdaAPI

	mu               sync.Mutex
	current          lambda.FunctionConfiguration
	lastUpdateStatus string
	updateReason     string
	aliasVersion     string
	publishVersion   string
	codeErr          error

	codeInputs   []*lambda.UpdateFunctionCodeInput
	configInputs []*lambda.UpdateFunctionConfigurationInput
	published    int
	aliasUpdates []*lambda.UpdateAliasInput
	aliasCreates []*lambda.CreateAliasInput
}

func (m *mockLambdaClient) GetAliasWithContext(ctx aws.Context, input *lambda.GetAliasInput, opts ...request.Option) (*lambda.AliasConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aliasVersion == "" {
		return nil, awserr.New(lambda.ErrCodeResourceNotFoundException, "no such alias", nil)
	}
	return &lambda.AliasConfiguration{
		Name:            input.Name,
		FunctionVersion: aws.String(m.aliasVersion),
	}, nil
}

func (m *mockLambdaClient) UpdateFunctionCodeWithContext(ctx aws.Context, input *lambda.UpdateFunctionCodeInput, opts ...request.Option) (*lambda.FunctionConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeErr != nil {
		return nil, m.codeErr
	}
	m.codeInputs = append(m.codeInputs, input)
	return &lambda.FunctionConfiguration{}, nil
}

func (m *mockLambdaClient) GetFunctionConfigurationWithContext(ctx aws.Context, input *lambda.GetFunctionConfigurationInput, opts ...request.Option) (*lambda.FunctionConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.current
	cfg.LastUpdateStatus = aws.String(m.lastUpdateStatus)
	if m.updateReason != "" {
		cfg.LastUpdateStatusReason = aws.String(m.updateReason)
	}
	return &cfg, nil
}

func (m *mockLambdaClient) UpdateFunctionConfigurationWithContext(ctx aws.Context, input *lambda.UpdateFunctionConfigurationInput, opts ...request.Option) (*lambda.FunctionConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configInputs = append(m.configInputs, input)
	return &lambda.FunctionConfiguration{}, nil
}

func (m *mockLambdaClient) PublishVersionWithContext(ctx aws.Context, input *lambda.PublishVersionInput, opts ...request.Option) (*lambda.FunctionConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
	return &lambda.FunctionConfiguration{Version: aws.String(m.publishVersion)}, nil
}

func (m *mockLambdaClient) UpdateAliasWithContext(ctx aws.Context, input *lambda.UpdateAliasInput, opts ...request.Option) (*lambda.AliasConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aliasVersion == "" {
		return nil, awserr.New(lambda.ErrCodeResourceNotFoundException, "no such alias", nil)
	}
	m.aliasUpdates = append(m.aliasUpdates, input)
	return &lambda.AliasConfiguration{}, nil
}

func (m *mockLambdaClient) CreateAliasWithContext(ctx aws.Context, input *lambda.CreateAliasInput, opts ...request.Option) (*lambda.AliasConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliasCreates = append(m.aliasCreates, input)
	return &lambda.AliasConfiguration{}, nil
}

func newMockLambda() *mockLambdaClient {
	return &mockLambdaClient{
		current: lambda.FunctionConfiguration{
			Runtime:    aws.String("python3.9"),
			Handler:    aws.String("app.handler"),
			MemorySize: aws.Int64(256),
			Timeout:    aws.Int64(30),
		},
		lastUpdateStatus: lambda.LastUpdateStatusSuccessful,
		aliasVersion:     "7",
		publishVersion:   "8",
	}
}

func testFunctionExecutor(mock *mockLambdaClient) *FunctionExecutor {
	e := NewFunctionExecutor(log.NewNopLogger())
	e.pollInterval = time.Millisecond
	e.newClient = func(region, roleARN string) (lambdaiface.LambdaAPI, error) {
		return mock, nil
	}
	return e
}

func functionTarget() target.Target {
	return target.Target{
		Name:        "checkout-api",
		Kind:        target.KindFunction,
		Environment: "production",
		Function: &target.Function{
			FunctionName: "checkout-api-production",
			Region:       "eu-west-1",
			Alias:        "live",
			Runtime:      "python3.11",
			Handler:      "app.handler",
			MemorySize:   512,
			Timeout:      30,
			Environment:  map[string]string{"LOG_LEVEL": "info"},
		},
	}
}

func TestFunctionDeployFromStore(t *testing.T) {
	mock := newMockLambda()
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		StoreRef: &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "ci/checkout-api/abc.zip"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "8", res.Version)
	assert.Equal(t, "7", res.PriorVersion)
	assert.Contains(t, res.Message, "alias live moved from version 7 to 8")

	require.Len(t, mock.codeInputs, 1)
	assert.Equal(t, "artifacts", aws.StringValue(mock.codeInputs[0].S3Bucket))
	assert.Equal(t, "ci/checkout-api/abc.zip", aws.StringValue(mock.codeInputs[0].S3Key))
	assert.Nil(t, mock.codeInputs[0].ZipFile)

	// runtime, memory and environment differ from the function's
	// current configuration
	require.Len(t, mock.configInputs, 1)
	cfg := mock.configInputs[0]
	assert.Equal(t, "python3.11", aws.StringValue(cfg.Runtime))
	assert.Equal(t, int64(512), aws.Int64Value(cfg.MemorySize))
	assert.Nil(t, cfg.Handler, "unchanged fields stay unset")
	require.NotNil(t, cfg.Environment)
	assert.Equal(t, "info", aws.StringValue(cfg.Environment.Variables["LOG_LEVEL"]))

	assert.Equal(t, 1, mock.published)
	require.Len(t, mock.aliasUpdates, 1)
	assert.Equal(t, "8", aws.StringValue(mock.aliasUpdates[0].FunctionVersion))
}

func TestFunctionDeployInlinePackage(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "checkout-api.zip")
	require.NoError(t, os.WriteFile(pkg, []byte("fake zip bytes"), 0644))

	mock := newMockLambda()
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		Artifact: &artifact.Artifact{Name: "checkout-api", Path: pkg},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, mock.codeInputs, 1)
	assert.Equal(t, []byte("fake zip bytes"), mock.codeInputs[0].ZipFile)
	assert.Nil(t, mock.codeInputs[0].S3Bucket)
}

func TestFunctionPackageOverDirectUploadLimit(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "big.zip")
	f, err := os.Create(pkg)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(store.DirectUploadLimit+1))
	require.NoError(t, f.Close())

	mock := newMockLambda()
	e := testFunctionExecutor(mock)

	_, err = e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		Artifact: &artifact.Artifact{Name: "big", Path: pkg},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direct upload limit")
	assert.Empty(t, mock.codeInputs)
}

func TestFunctionFirstDeployCreatesAlias(t *testing.T) {
	mock := newMockLambda()
	mock.aliasVersion = "" // the alias doesn't exist yet
	mock.publishVersion = "1"
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		StoreRef: &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Empty(t, res.PriorVersion)
	assert.Empty(t, mock.aliasUpdates)
	require.Len(t, mock.aliasCreates, 1)
	assert.Equal(t, "1", aws.StringValue(mock.aliasCreates[0].FunctionVersion))
}

func TestFunctionDeploySkipPublish(t *testing.T) {
	mock := newMockLambda()
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:      functionTarget(),
		StoreRef:    &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
		SkipPublish: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Empty(t, res.Version, "no version is published")
	assert.Contains(t, res.Message, "publishing skipped")

	require.Len(t, mock.codeInputs, 1, "the code still ships")
	assert.Equal(t, 0, mock.published)
	assert.Empty(t, mock.aliasUpdates, "the alias stays put")
	assert.Empty(t, mock.aliasCreates)
}

func TestFunctionSkipPublishDryRun(t *testing.T) {
	mock := newMockLambda()
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:      functionTarget(),
		StoreRef:    &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
		DryRun:      true,
		SkipPublish: true,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Preview, "skip version publishing")
	assert.NotContains(t, res.Preview, "publish a new version")
}

func TestFunctionConfigUnchangedSkipsUpdate(t *testing.T) {
	mock := newMockLambda()
	mock.current.Runtime = aws.String("python3.11")
	mock.current.MemorySize = aws.Int64(512)
	mock.current.Environment = &lambda.EnvironmentResponse{
		Variables: aws.StringMap(map[string]string{"LOG_LEVEL": "info"}),
	}
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		StoreRef: &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Empty(t, mock.configInputs)
	assert.Equal(t, 1, mock.published)
}

func TestFunctionSettleFailure(t *testing.T) {
	mock := newMockLambda()
	mock.lastUpdateStatus = lambda.LastUpdateStatusFailed
	mock.updateReason = "image manifest invalid"
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		StoreRef: &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image manifest invalid")
	assert.Equal(t, StateCodeUpdating, res.State)
	assert.Equal(t, 0, mock.published)
}

func TestFunctionAccessDenied(t *testing.T) {
	mock := newMockLambda()
	mock.codeErr = awserr.New("AccessDeniedException", "not allowed", nil)
	e := testFunctionExecutor(mock)

	_, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		StoreRef: &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
	})
	require.Error(t, err)
	assert.True(t, IsDenied(err))
}

func TestFunctionDryRun(t *testing.T) {
	mock := newMockLambda()
	e := testFunctionExecutor(mock)

	res, err := e.Execute(context.Background(), Request{
		Target:   functionTarget(),
		StoreRef: &store.Ref{Backend: "s3", Bucket: "artifacts", Key: "k.zip"},
		DryRun:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Contains(t, res.Preview, "checkout-api-production")
	assert.Contains(t, res.Preview, "alias live")
	assert.Equal(t, "7", res.PriorVersion)
	assert.Empty(t, mock.codeInputs)
	assert.Equal(t, 0, mock.published)
}

func TestMergeEnvironment(t *testing.T) {
	current := &lambda.EnvironmentResponse{
		Variables: aws.StringMap(map[string]string{"A": "1", "B": "2"}),
	}
	merged, err := mergeEnvironment(current, map[string]string{
		"B": "3",
		"C": "4",
		"A": "", // empty means remove
	})
	require.NoError(t, err)
	assert.Equal(t, aws.StringMap(map[string]string{"B": "3", "C": "4"}), merged)

	merged, err = mergeEnvironment(nil, map[string]string{"ONLY": "one"})
	require.NoError(t, err)
	assert.Equal(t, aws.StringMap(map[string]string{"ONLY": "one"}), merged)
}
