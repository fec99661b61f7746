package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/hitl"
	"github.com/deepnoodle-ai/portalflow/retry"
	"github.com/deepnoodle-ai/portalflow/template"
)

// fakeDriver is an in-memory page: selectors either exist (and record
// writes) or fail non-recoverably.
type fakeDriver struct {
	mutex   sync.Mutex
	fills   map[string]string
	selects map[string]string
	uploads map[string]string
	clicks  []string
	navURLs []string
	visible map[string]bool
	missing map[string]bool
	dom     string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		fills:   map[string]string{},
		selects: map[string]string{},
		uploads: map[string]string{},
		visible: map[string]bool{},
		missing: map[string]bool{},
		dom:     "<html></html>",
	}
}

func (d *fakeDriver) check(selector string) error {
	if d.missing[selector] {
		return retry.NewNonRecoverableError(errors.New("could not find node for selector"))
	}
	return nil
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.navURLs = append(d.navURLs, url)
	return nil
}

func (d *fakeDriver) Click(ctx context.Context, selector string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.check(selector); err != nil {
		return err
	}
	d.clicks = append(d.clicks, selector)
	return nil
}

func (d *fakeDriver) Fill(ctx context.Context, selector, text string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.check(selector); err != nil {
		return err
	}
	d.fills[selector] = text
	return nil
}

func (d *fakeDriver) SelectOption(ctx context.Context, selector, value string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.check(selector); err != nil {
		return err
	}
	d.selects[selector] = value
	return nil
}

func (d *fakeDriver) UploadFile(ctx context.Context, selector, path string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.check(selector); err != nil {
		return err
	}
	d.uploads[selector] = path
	return nil
}

func (d *fakeDriver) WaitVisible(ctx context.Context, selector string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.visible[selector] {
		return nil
	}
	return errors.New("element is not visible")
}

func (d *fakeDriver) Screenshot(ctx context.Context) (string, error) {
	return "/tmp/page.png", nil
}

func (d *fakeDriver) ExtractStructure(ctx context.Context) (string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.dom, nil
}

func (d *fakeDriver) Close(ctx context.Context) error {
	return nil
}

func newTestSession(t *testing.T, driver browser.Driver) *browser.Session {
	t.Helper()
	session, err := browser.NewSession(browser.SessionOptions{
		Driver:        driver,
		MaxAttempts:   1,
		DisablePacing: true,
	})
	require.NoError(t, err)
	return session
}

func testTemplate() *template.Template {
	return &template.Template{
		Service: "test_service",
		URL:     "https://portal.example/apply",
		Login: &template.LoginSpec{
			Username:          browser.Loc("#txtUserName"),
			Password:          browser.Loc("#txtPassword"),
			Submit:            browser.Loc("#btnLogin"),
			LoggedInIndicator: browser.Loc("#lblWelcome"),
		},
		Stages: map[string]map[string]template.FieldSpec{
			"form_fill": {
				"full_name": {Locator: browser.Loc("#txtName"), Type: template.FieldText, Required: true},
				"email":     {Locator: browser.Loc("#txtEmail"), Type: template.FieldText, Required: true},
				"category":  {Locator: browser.Loc("#ddlCategory"), Type: template.FieldSelect},
			},
			"document_upload": {
				"photo": {Locator: browser.Loc("#filePhoto"), Type: template.FieldFile, Required: true},
			},
		},
		Nav: map[string]browser.Locator{
			"document_upload": browser.Loc("#lnkDocuments"),
		},
		Captcha: &template.CaptchaSpec{
			Indicators: []browser.Locator{browser.Loc("#imgCaptcha")},
			Input:      browser.Loc("#txtCaptcha"),
			Submit:     browser.Loc("#btnVerifyCaptcha"),
		},
		Payment: &template.PaymentSpec{
			Proceed:          []browser.Locator{browser.Loc("#btnPayNow")},
			SuccessIndicator: browser.Loc("#lblPaymentSuccess"),
			SummaryMarkers:   []string{"amount"},
		},
		ErrorMarkers: []string{"is required"},
	}
}

func newTestRegistry(t *testing.T) *template.Registry {
	t.Helper()
	registry := template.NewRegistry()
	require.NoError(t, registry.Register(testTemplate()))
	return registry
}

func newTestState(stage portalflow.Stage, userData map[string]string) *portalflow.WorkflowState {
	state := portalflow.NewWorkflowState("run_test", "test_service", userData)
	state.CurrentStage = stage
	return state
}

func autoRespondGateway(value string) *hitl.Gateway {
	var gateway *hitl.Gateway
	gateway = hitl.NewGateway(hitl.GatewayOptions{
		Observer: func(request hitl.Request) {
			go gateway.SubmitResponse(request.ID, value) //nolint:errcheck
		},
	})
	return gateway
}

func TestNavigatorOpensPortal(t *testing.T) {
	driver := newFakeDriver()
	navigator, err := NewNavigator(NavigatorOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	update, err := navigator.Execute(context.Background(), newTestState(portalflow.StageStart, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
	require.Equal(t, "https://portal.example/apply", update.CurrentURL)
	require.Equal(t, []string{"https://portal.example/apply"}, driver.navURLs)
	require.NotEmpty(t, update.ScreenshotRef)
}

func TestNavigatorLogsIn(t *testing.T) {
	driver := newFakeDriver()
	navigator, err := NewNavigator(NavigatorOptions{
		Session:          newTestSession(t, driver),
		Templates:        newTestRegistry(t),
		Credentials:      Credentials{Username: "user1", Password: "secret"},
		IndicatorTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	// The submit click flips the logged-in indicator on.
	driver.visible["#lblWelcome"] = false
	state := newTestState(portalflow.StageLogin, nil)
	update, err := navigator.Execute(context.Background(), state)
	require.NoError(t, err)

	// Credentials were typed even though the indicator check after submit
	// failed in this fake; verify the inputs and the failure report.
	require.Equal(t, "user1", driver.fills["#txtUserName"])
	require.Equal(t, "secret", driver.fills["#txtPassword"])
	require.Contains(t, driver.clicks, "#btnLogin")
	require.Equal(t, portalflow.ActionError, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorLoginFailed))
}

func TestNavigatorSkipsLoginWhenAuthenticated(t *testing.T) {
	driver := newFakeDriver()
	driver.visible["#lblWelcome"] = true
	navigator, err := NewNavigator(NavigatorOptions{
		Session:          newTestSession(t, driver),
		Templates:        newTestRegistry(t),
		Credentials:      Credentials{Username: "user1", Password: "secret"},
		IndicatorTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	update, err := navigator.Execute(context.Background(), newTestState(portalflow.StageLogin, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
	require.Empty(t, driver.fills)
}

func TestNavigatorRequiresCredentials(t *testing.T) {
	driver := newFakeDriver()
	navigator, err := NewNavigator(NavigatorOptions{
		Session:          newTestSession(t, driver),
		Templates:        newTestRegistry(t),
		IndicatorTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	update, err := navigator.Execute(context.Background(), newTestState(portalflow.StageLogin, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionError, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorLoginFailed))
}

func TestNavigatorStepsToDeclaredPage(t *testing.T) {
	driver := newFakeDriver()
	navigator, err := NewNavigator(NavigatorOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	update, err := navigator.Execute(context.Background(), newTestState(portalflow.StageDocumentUpload, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
	require.Contains(t, driver.clicks, "#lnkDocuments")

	// Stages without a nav control need no click.
	driver.clicks = nil
	update, err = navigator.Execute(context.Background(), newTestState(portalflow.StagePreview, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
	require.Empty(t, driver.clicks)
}

func TestFormFillerWritesFields(t *testing.T) {
	driver := newFakeDriver()
	filler, err := NewFormFiller(FormFillerOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
		"category":  "general",
	})
	update, err := filler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Empty(t, update.Errors)
	require.Equal(t, "A Sharma", driver.fills["#txtName"])
	require.Equal(t, "a@example.com", driver.fills["#txtEmail"])
	require.Equal(t, "general", driver.selects["#ddlCategory"])
	require.True(t, update.FormProgress["full_name"])
	require.True(t, update.FormProgress["email"])
	require.True(t, update.FormProgress["category"])
}

func TestFormFillerSkipsFilledFields(t *testing.T) {
	driver := newFakeDriver()
	session := newTestSession(t, driver)
	filler, err := NewFormFiller(FormFillerOptions{
		Session:   session,
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
		"category":  "general",
	})
	state.FormProgress = map[string]bool{
		"full_name": true, "email": true, "category": true,
	}

	update, err := filler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Empty(t, update.Errors)
	// Re-running against fully recorded progress touches the page not once.
	require.Zero(t, session.WriteCount())
	require.Empty(t, driver.fills)
}

func TestFormFillerCollectsMissingRequired(t *testing.T) {
	driver := newFakeDriver()
	filler, err := NewFormFiller(FormFillerOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"email": "a@example.com",
	})
	update, err := filler.Execute(context.Background(), state)
	require.NoError(t, err)

	// The missing name is reported, and the present email still got filled.
	require.Len(t, update.Errors, 1)
	require.Equal(t, portalflow.ErrorMissingRequiredField, update.Errors[0].Kind)
	require.Equal(t, "full_name", update.Errors[0].Field)
	require.Equal(t, "a@example.com", driver.fills["#txtEmail"])
	require.True(t, update.FormProgress["email"])
}

type stubResolver struct {
	locator browser.Locator
	asked   []string
}

func (r *stubResolver) Resolve(ctx context.Context, screenshotRef, fieldName string) (browser.Locator, error) {
	r.asked = append(r.asked, fieldName)
	return r.locator, nil
}

func TestFormFillerFallsBackToResolver(t *testing.T) {
	driver := newFakeDriver()
	driver.missing["#txtName"] = true
	resolver := &stubResolver{locator: browser.Loc("#txtApplicantName")}
	filler, err := NewFormFiller(FormFillerOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
		Resolver:  resolver,
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
		"category":  "general",
	})
	update, err := filler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Empty(t, update.Errors)
	require.Equal(t, []string{"full_name"}, resolver.asked)
	require.Equal(t, "A Sharma", driver.fills["#txtApplicantName"])
	require.True(t, update.FormProgress["full_name"])
}

func TestFormFillerReportsUnresolvableField(t *testing.T) {
	driver := newFakeDriver()
	driver.missing["#txtName"] = true
	filler, err := NewFormFiller(FormFillerOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
		"category":  "general",
	})
	update, err := filler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, update.Errors, 1)
	require.Equal(t, portalflow.ErrorSelectorNotFound, update.Errors[0].Kind)
	require.Equal(t, "full_name", update.Errors[0].Field)
	require.False(t, update.FormProgress["full_name"])
}

func TestAuditorPassesCleanState(t *testing.T) {
	driver := newFakeDriver()
	auditor, err := NewAuditor(AuditorOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
	})
	state.FormProgress = map[string]bool{"full_name": true, "email": true}

	update, err := auditor.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Empty(t, update.Errors)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
}

func TestAuditorFlagsMissingCoverage(t *testing.T) {
	auditor, err := NewAuditor(AuditorOptions{
		Session:   newTestSession(t, newFakeDriver()),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"email": "a@example.com",
	})
	state.FormProgress = map[string]bool{"email": true}

	update, err := auditor.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionFillForm, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorMissingRequiredField))
}

func TestAuditorValidatesFormats(t *testing.T) {
	auditor, err := NewAuditor(AuditorOptions{
		Session:   newTestSession(t, newFakeDriver()),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
		"mobile":    "12345",
	})
	state.FormProgress = map[string]bool{"full_name": true, "email": true}

	update, err := auditor.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionFillForm, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorInvalidFormat))

	// A valid mobile number clears the format complaint.
	state.UserData["mobile"] = "9876543210"
	update, err = auditor.Execute(context.Background(), state)
	require.NoError(t, err)
	require.False(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorInvalidFormat))
}

func TestAuditorScansPageForPortalErrors(t *testing.T) {
	driver := newFakeDriver()
	driver.dom = "<span class='err'>Father name is required</span>"
	auditor, err := NewAuditor(AuditorOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageFormFill, map[string]string{
		"full_name": "A Sharma",
		"email":     "a@example.com",
	})
	state.FormProgress = map[string]bool{"full_name": true, "email": true}

	update, err := auditor.Execute(context.Background(), state)
	require.NoError(t, err)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorPageReportedError))
}

func TestCaptchaGateDetects(t *testing.T) {
	driver := newFakeDriver()
	gate, err := NewCaptchaGate(CaptchaGateOptions{
		Session:          newTestSession(t, driver),
		Templates:        newTestRegistry(t),
		Gateway:          hitl.NewGateway(hitl.GatewayOptions{}),
		IndicatorTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	update, err := gate.Execute(context.Background(), newTestState(portalflow.StagePayment, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionPayment, update.NextAction)

	driver.visible["#imgCaptcha"] = true
	update, err = gate.Execute(context.Background(), newTestState(portalflow.StagePayment, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionCaptcha, update.NextAction)
}

func TestCaptchaGateUsesSubmittedSolution(t *testing.T) {
	driver := newFakeDriver()
	gate, err := NewCaptchaGate(CaptchaGateOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
		Gateway:   hitl.NewGateway(hitl.GatewayOptions{}),
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StageCaptchaWait, nil)
	state.CaptchaSolution = "x7k2p"
	update, err := gate.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, "x7k2p", driver.fills["#txtCaptcha"])
	require.Contains(t, driver.clicks, "#btnVerifyCaptcha")
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
	// The solution is single use.
	require.NotNil(t, update.CaptchaSolution)
	require.Empty(t, *update.CaptchaSolution)
}

func TestCaptchaGateAsksHuman(t *testing.T) {
	driver := newFakeDriver()
	gate, err := NewCaptchaGate(CaptchaGateOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
		Gateway:   autoRespondGateway("abc42"),
	})
	require.NoError(t, err)

	update, err := gate.Execute(context.Background(), newTestState(portalflow.StageCaptchaWait, nil))
	require.NoError(t, err)
	require.Equal(t, "abc42", driver.fills["#txtCaptcha"])
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
}

func TestCaptchaGateTimesOut(t *testing.T) {
	gate, err := NewCaptchaGate(CaptchaGateOptions{
		Session:      newTestSession(t, newFakeDriver()),
		Templates:    newTestRegistry(t),
		Gateway:      hitl.NewGateway(hitl.GatewayOptions{}),
		InputTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	update, err := gate.Execute(context.Background(), newTestState(portalflow.StageCaptchaWait, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionError, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorHITLTimeout))
}

func TestPaymentConfirmRecordsAuthorization(t *testing.T) {
	var prompt string
	var promptMutex sync.Mutex
	var gateway *hitl.Gateway
	gateway = hitl.NewGateway(hitl.GatewayOptions{
		Observer: func(request hitl.Request) {
			promptMutex.Lock()
			prompt = request.Prompt
			promptMutex.Unlock()
			go gateway.SubmitResponse(request.ID, "Confirm") //nolint:errcheck
		},
	})

	confirm, err := NewPaymentConfirm(PaymentGateOptions{
		Session:   newTestSession(t, newFakeDriver()),
		Templates: newTestRegistry(t),
		Gateway:   gateway,
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StagePaymentWait, nil)
	state.DOMSnapshot = "Fee Amount: Rs 500\nOther line"
	update, err := confirm.Execute(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, update.PaymentConfirmed)
	require.True(t, *update.PaymentConfirmed)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)

	promptMutex.Lock()
	defer promptMutex.Unlock()
	require.True(t, strings.Contains(prompt, "Fee Amount: Rs 500"))
}

func TestPaymentConfirmCancelsOnAnyOtherAnswer(t *testing.T) {
	confirm, err := NewPaymentConfirm(PaymentGateOptions{
		Session:   newTestSession(t, newFakeDriver()),
		Templates: newTestRegistry(t),
		Gateway:   autoRespondGateway("yes"),
	})
	require.NoError(t, err)

	update, err := confirm.Execute(context.Background(), newTestState(portalflow.StagePaymentWait, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionError, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorPaymentCancelled))
}

func TestPaymentConfirmSkipsWhenAlreadyAuthorized(t *testing.T) {
	// No responder: any prompt would hang, proving none was issued.
	confirm, err := NewPaymentConfirm(PaymentGateOptions{
		Session:      newTestSession(t, newFakeDriver()),
		Templates:    newTestRegistry(t),
		Gateway:      hitl.NewGateway(hitl.GatewayOptions{}),
		InputTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StagePaymentWait, nil)
	state.PaymentConfirmed = true
	update, err := confirm.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionContinue, update.NextAction)
	require.Empty(t, update.Errors)
}

func TestPaymentProcessClicksAndVerifies(t *testing.T) {
	driver := newFakeDriver()
	driver.visible["#lblPaymentSuccess"] = true
	process, err := NewPaymentProcess(PaymentGateOptions{
		Session:          newTestSession(t, driver),
		Templates:        newTestRegistry(t),
		Gateway:          hitl.NewGateway(hitl.GatewayOptions{}),
		IndicatorTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StagePaymentWait, nil)
	state.PaymentConfirmed = true
	update, err := process.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Contains(t, driver.clicks, "#btnPayNow")
	require.Equal(t, portalflow.ActionComplete, update.NextAction)
	require.Empty(t, update.Flags)
	require.NotNil(t, update.PaymentConfirmed)
	require.False(t, *update.PaymentConfirmed)
}

func TestPaymentProcessFlagsUnverifiedSuccess(t *testing.T) {
	driver := newFakeDriver()
	process, err := NewPaymentProcess(PaymentGateOptions{
		Session:          newTestSession(t, driver),
		Templates:        newTestRegistry(t),
		Gateway:          hitl.NewGateway(hitl.GatewayOptions{}),
		IndicatorTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	state := newTestState(portalflow.StagePaymentWait, nil)
	state.PaymentConfirmed = true
	update, err := process.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionComplete, update.NextAction)
	require.Contains(t, update.Flags, "payment_success_unverified")
}

func TestPaymentProcessRefusesWithoutAuthorization(t *testing.T) {
	driver := newFakeDriver()
	process, err := NewPaymentProcess(PaymentGateOptions{
		Session:   newTestSession(t, driver),
		Templates: newTestRegistry(t),
		Gateway:   hitl.NewGateway(hitl.GatewayOptions{}),
	})
	require.NoError(t, err)

	update, err := process.Execute(context.Background(), newTestState(portalflow.StagePaymentWait, nil))
	require.NoError(t, err)
	require.Equal(t, portalflow.ActionError, update.NextAction)
	require.True(t, portalflow.ContainsKind(update.Errors, portalflow.ErrorPaymentProcessingFailed))
	require.Empty(t, driver.clicks)
}

func TestDefaultHandlersCoverEveryStage(t *testing.T) {
	handlers, err := DefaultHandlers(Dependencies{
		Session:   newTestSession(t, newFakeDriver()),
		Templates: newTestRegistry(t),
		Gateway:   hitl.NewGateway(hitl.GatewayOptions{}),
	})
	require.NoError(t, err)

	for _, stage := range []portalflow.Stage{
		portalflow.StageStart,
		portalflow.StageLogin,
		portalflow.StageFormFill,
		portalflow.StageDocumentUpload,
		portalflow.StagePreview,
		portalflow.StagePayment,
		portalflow.StageCaptchaWait,
		portalflow.StagePaymentWait,
	} {
		require.NotEmpty(t, handlers[stage], "stage %s", stage)
	}
}
