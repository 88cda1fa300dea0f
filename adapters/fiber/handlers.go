package fiber

import (
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/services"
)

// call is one request routed to an operation.
type call struct {
	adapter *Adapter
	c       fiber.Ctx
	h       core.AuthHandler
	meta    core.RequestMeta
}

type operation func(*call) error

// bind decodes the JSON body into v. An empty body leaves v untouched.
func (x *call) bind(v any) error {
	if len(x.c.Body()) == 0 {
		return nil
	}
	if err := x.c.Bind().Body(v); err != nil {
		return core.ErrInvalidRequestBody
	}
	return nil
}

func (x *call) json(status int, v any) error {
	return x.c.Status(status).JSON(v)
}

func (x *call) message(text string) error {
	return x.json(http.StatusOK, fiber.Map{"message": text})
}

// authResult sets the rotated session cookie, if any, and renders result.
func (x *call) authResult(result *core.AuthResult) error {
	if result.Token != "" && result.Session != nil {
		x.adapter.setCookie(x.c, result.Token, result.Session.ExpiresAt)
	}
	return x.json(http.StatusOK, result)
}

type codeBody struct {
	Code string `json:"code"`
}

type tokenBody struct {
	Token string `json:"token"`
}

type passwordBody struct {
	Password string `json:"password"`
}

type passkeyRegistrationBody struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// rateLimited lists the operations that attempt a login.
var rateLimited = map[string]bool{
	services.OpSignUp:             true,
	services.OpSignIn:             true,
	services.OpVerifySecondFactor: true,
	services.OpPasskeyLoginFinish: true,
}

var operations = map[string]operation{
	services.OpSignUp: func(x *call) error {
		var input core.SignUpInput
		if err := x.bind(&input); err != nil {
			return err
		}
		user, err := x.h.SignUp(x.c.Context(), input)
		if err != nil {
			return err
		}
		return x.json(http.StatusCreated, user)
	},

	services.OpSignIn: func(x *call) error {
		var input core.SignInInput
		if err := x.bind(&input); err != nil {
			return err
		}
		result, err := x.h.SignIn(x.c.Context(), x.meta, input)
		if err != nil {
			return err
		}
		return x.authResult(result)
	},

	services.OpVerifySecondFactor: func(x *call) error {
		var body codeBody
		if err := x.bind(&body); err != nil {
			return err
		}
		result, err := x.h.VerifySecondFactor(x.c.Context(), x.meta, body.Code)
		if err != nil {
			return err
		}
		return x.authResult(result)
	},

	services.OpSignOut: func(x *call) error {
		if err := x.h.SignOut(x.c.Context(), x.meta); err != nil {
			return err
		}
		x.adapter.clearCookie(x.c)
		return x.message("signed out successfully")
	},

	services.OpMe: func(x *call) error {
		profile, err := x.h.Me(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, profile)
	},

	services.OpVerifyEmail: func(x *call) error {
		var body tokenBody
		if err := x.bind(&body); err != nil {
			return err
		}
		if body.Token == "" {
			body.Token = x.c.Query("token")
		}
		if err := x.h.VerifyEmail(x.c.Context(), body.Token); err != nil {
			return err
		}
		return x.message("email verified")
	},

	services.OpResendVerification: func(x *call) error {
		if err := x.h.ResendVerification(x.c.Context(), x.meta); err != nil {
			return err
		}
		return x.message("verification email sent")
	},

	services.OpChangePassword: func(x *call) error {
		var input core.ChangePasswordInput
		if err := x.bind(&input); err != nil {
			return err
		}
		if err := x.h.ChangePassword(x.c.Context(), x.meta, input); err != nil {
			return err
		}
		return x.message("password changed")
	},

	services.OpSetPassword: func(x *call) error {
		var input core.SetPasswordInput
		if err := x.bind(&input); err != nil {
			return err
		}
		if err := x.h.SetPassword(x.c.Context(), x.meta, input); err != nil {
			return err
		}
		return x.message("password set")
	},

	services.OpOAuthLogin: func(x *call) error {
		url, err := x.h.BeginOAuth(x.c.Context(), x.meta, x.c.Params("provider"))
		if err != nil {
			return err
		}
		return x.c.Redirect().Status(http.StatusFound).To(url)
	},

	services.OpOAuthCallback: func(x *call) error {
		result, err := x.h.CompleteOAuth(x.c.Context(), x.meta, core.OAuthCallbackInput{
			Provider: x.c.Params("provider"),
			Code:     x.c.Query("code"),
			State:    x.c.Query("state"),
			Error:    x.c.Query("error"),
		})
		if err != nil {
			return err
		}
		if result.SecondFactorRequired {
			return x.json(http.StatusOK, result)
		}
		if result.Token != "" && result.Session != nil {
			x.adapter.setCookie(x.c, result.Token, result.Session.ExpiresAt)
		}
		return x.c.Redirect().Status(http.StatusFound).To(x.adapter.config.RedirectAfterLogin)
	},

	services.OpTOTPSetup: func(x *call) error {
		setup, err := x.h.SetupTOTP(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, setup)
	},

	services.OpTOTPEnable: func(x *call) error {
		var body codeBody
		if err := x.bind(&body); err != nil {
			return err
		}
		codes, err := x.h.EnableTOTP(x.c.Context(), x.meta, body.Code)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, backupCodesResponse{BackupCodes: codes})
	},

	services.OpTOTPDisable: func(x *call) error {
		var body codeBody
		if err := x.bind(&body); err != nil {
			return err
		}
		if err := x.h.DisableTOTP(x.c.Context(), x.meta, body.Code); err != nil {
			return err
		}
		return x.message("two-factor authentication disabled")
	},

	services.OpTOTPStatus: func(x *call) error {
		status, err := x.h.TOTPStatus(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, status)
	},

	services.OpTOTPBackupCodes: func(x *call) error {
		var body codeBody
		if err := x.bind(&body); err != nil {
			return err
		}
		codes, err := x.h.RegenerateBackupCodes(x.c.Context(), x.meta, body.Code)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, backupCodesResponse{BackupCodes: codes})
	},

	services.OpPasskeyRegisterBegin: func(x *call) error {
		var body passwordBody
		if err := x.bind(&body); err != nil {
			return err
		}
		creation, err := x.h.BeginPasskeyRegistration(x.c.Context(), x.meta, body.Password)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, creation)
	},

	services.OpPasskeyRegisterFinish: func(x *call) error {
		var body passkeyRegistrationBody
		if err := x.bind(&body); err != nil {
			return err
		}
		passkey, err := x.h.FinishPasskeyRegistration(x.c.Context(), x.meta, body.Name, body.Response)
		if err != nil {
			return err
		}
		return x.json(http.StatusCreated, passkey)
	},

	services.OpPasskeyLoginBegin: func(x *call) error {
		assertion, err := x.h.BeginPasskeyLogin(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, assertion)
	},

	services.OpPasskeyLoginFinish: func(x *call) error {
		result, err := x.h.FinishPasskeyLogin(x.c.Context(), x.meta, x.c.Body())
		if err != nil {
			return err
		}
		return x.authResult(result)
	},

	services.OpListPasskeys: func(x *call) error {
		passkeys, err := x.h.ListPasskeys(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		if passkeys == nil {
			passkeys = []*core.PasskeyCredential{}
		}
		return x.json(http.StatusOK, fiber.Map{"passkeys": passkeys})
	},

	services.OpDeletePasskey: func(x *call) error {
		if err := x.h.DeletePasskey(x.c.Context(), x.meta, x.c.Params("id")); err != nil {
			return err
		}
		return x.c.SendStatus(http.StatusNoContent)
	},

	services.OpListSessions: func(x *call) error {
		sessions, err := x.h.ListSessions(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		if sessions == nil {
			sessions = []core.SessionInfo{}
		}
		return x.json(http.StatusOK, fiber.Map{"sessions": sessions})
	},

	services.OpRevokeSession: func(x *call) error {
		if err := x.h.RevokeSession(x.c.Context(), x.meta, x.c.Params("id")); err != nil {
			return err
		}
		return x.c.SendStatus(http.StatusNoContent)
	},

	services.OpRevokeOtherSessions: func(x *call) error {
		revoked, err := x.h.RevokeOtherSessions(x.c.Context(), x.meta)
		if err != nil {
			return err
		}
		return x.json(http.StatusOK, fiber.Map{"revoked": revoked})
	},
}
