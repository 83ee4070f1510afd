package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

type fakeSSM struct {
	out    *ssm.GetParameterOutput
	err    error
	lastIn *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

func TestFromRef_SSM_FetchedOnce(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	src, err := FromRef("ssm:/chat/openai-token", g)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", tok)
	}
	require.Equal(t, 1, g.calls, "SSM must only be called once per process lifetime")
}

func TestFromRef_SSM_ErrorIsRetried(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled")}
	src, err := FromRef("ssm:/chat/openai-token", g)
	require.NoError(t, err)

	_, err = src.Token(context.Background())
	require.ErrorContains(t, err, "throttled")

	g.err = nil
	g.val = `{"token":"ok"}`
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", tok)
	require.Equal(t, 2, g.calls)
}

func TestFromRef_SSM_BadPayload(t *testing.T) {
	src, err := FromRef("ssm:/p", &fakeGetter{val: "plain"})
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	require.ErrorContains(t, err, "JSON")

	src, err = FromRef("ssm:/p", &fakeGetter{val: `{"token":""}`})
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	require.ErrorContains(t, err, "empty")
}

func TestFromRef_Env(t *testing.T) {
	t.Setenv("TEST_PROVIDER_TOKEN", " hf-123 ")
	src, err := FromRef("env:TEST_PROVIDER_TOKEN", nil)
	require.NoError(t, err)
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hf-123", tok)

	src, err = FromRef("env:TEST_PROVIDER_TOKEN_MISSING", nil)
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	require.Error(t, err)
}

func TestFromRef_Invalid(t *testing.T) {
	_, err := FromRef("", nil)
	require.Error(t, err)
	_, err = FromRef("ssm:", &fakeGetter{})
	require.Error(t, err)
	_, err = FromRef("ssm:/p", nil)
	require.Error(t, err)
	_, err = FromRef("env: ", nil)
	require.Error(t, err)

	_, err = FromRef("sk-live-secret", nil)
	require.Error(t, err)
	require.NotContains(t, err.Error(), "sk-live-secret")
}

func TestParamStore_GetParameter(t *testing.T) {
	_, err := NewParamStore(nil)
	require.Error(t, err)

	val := "secret"
	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: &val}}}
	ps, err := NewParamStore(api)
	require.NoError(t, err)

	got, err := ps.GetParameter(context.Background(), " /chat/token ")
	require.NoError(t, err)
	require.Equal(t, "secret", got)
	require.Equal(t, "/chat/token", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)

	_, err = ps.GetParameter(context.Background(), "")
	require.Error(t, err)

	api.out = &ssm.GetParameterOutput{}
	_, err = ps.GetParameter(context.Background(), "/x")
	require.ErrorContains(t, err, "no value")

	api.err = errors.New("AccessDenied")
	_, err = ps.GetParameter(context.Background(), "/x")
	require.ErrorContains(t, err, "AccessDenied")
}

func TestStatic(t *testing.T) {
	tok, err := Static("k").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "k", tok)
	_, err = Static("").Token(context.Background())
	require.Error(t, err)
}
