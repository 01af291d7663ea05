package controller

import (
	"net/http"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"

	"github.com/qrelay/qrelay/common/random"
	"github.com/qrelay/qrelay/middleware"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/token"
)

const (
	authStatusPending = "pending"
	authStatusSuccess = "success"
	authStatusFailed  = "failed"
	authStatusTimeout = "timeout"
)

// authSessions holds in-flight device-code grants. Entries outlive the
// 5-minute polling ceiling so status can still be read after a claim.
var authSessions = gocache.New(15*time.Minute, 5*time.Minute)

type authSession struct {
	mu sync.Mutex

	ClientId     string
	ClientSecret string
	DeviceCode   string
	Interval     int
	ExpiresIn    int

	Status    string
	AccountId string
	Detail    string
	claiming  bool
}

// StartDeviceAuth registers a throwaway OIDC client and opens a
// device-code grant.
func StartDeviceAuth(c *gin.Context) {
	ctx := c.Request.Context()
	clientId, clientSecret, err := token.RegisterClient(ctx)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadGateway, "api_error", err)
		return
	}
	auth, err := token.StartDeviceAuthorization(ctx, clientId, clientSecret)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadGateway, "api_error", err)
		return
	}

	authId := random.GetUUID()
	authSessions.SetDefault(authId, &authSession{
		ClientId:     clientId,
		ClientSecret: clientSecret,
		DeviceCode:   auth.DeviceCode,
		Interval:     auth.Interval,
		ExpiresIn:    auth.ExpiresIn,
		Status:       authStatusPending,
	})

	c.JSON(http.StatusOK, gin.H{
		"authId":                  authId,
		"verificationUriComplete": auth.VerificationUriComplete,
		"userCode":                auth.UserCode,
		"expiresIn":               auth.ExpiresIn,
		"interval":                auth.Interval,
	})
}

func getAuthSession(c *gin.Context) (*authSession, bool) {
	raw, ok := authSessions.Get(c.Param("authId"))
	if !ok {
		middleware.AbortWithError(c, http.StatusNotFound, "not_found_error",
			errors.New("unknown or expired authId"))
		return nil, false
	}
	return raw.(*authSession), true
}

// ClaimDeviceAuth blocks until the user approves the device code (or
// the 5-minute ceiling passes) and creates the account row.
func ClaimDeviceAuth(c *gin.Context) {
	session, ok := getAuthSession(c)
	if !ok {
		return
	}

	session.mu.Lock()
	switch {
	case session.Status == authStatusSuccess:
		accountId := session.AccountId
		session.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": authStatusSuccess, "account_id": accountId})
		return
	case session.claiming:
		session.mu.Unlock()
		middleware.AbortWithError(c, http.StatusConflict, "invalid_request_error",
			errors.New("claim already in progress"))
		return
	}
	session.claiming = true
	session.mu.Unlock()

	tokens, err := token.PollDeviceToken(c.Request.Context(),
		session.ClientId, session.ClientSecret, session.DeviceCode,
		session.Interval, session.ExpiresIn)

	session.mu.Lock()
	session.claiming = false
	if err != nil {
		if errors.Is(err, token.ErrAuthTimeout) {
			session.Status = authStatusTimeout
			session.mu.Unlock()
			middleware.AbortWithError(c, http.StatusRequestTimeout, "timeout_error", err)
			return
		}
		session.Status = authStatusFailed
		session.Detail = err.Error()
		session.mu.Unlock()
		middleware.AbortWithError(c, http.StatusBadGateway, "api_error", err)
		return
	}

	account := &model.Account{
		Id:             random.GetUUID(),
		Type:           model.ChannelAmazonQ,
		Label:          "device-auth " + time.Now().Format("2006-01-02 15:04"),
		ClientId:       session.ClientId,
		ClientSecret:   session.ClientSecret,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).Unix(),
		Enabled:        true,
	}
	if err := account.Insert(); err != nil {
		session.Status = authStatusFailed
		session.Detail = err.Error()
		session.mu.Unlock()
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	session.Status = authStatusSuccess
	session.AccountId = account.Id
	session.mu.Unlock()

	gmw.GetLogger(c).Info("device authorization completed",
		zap.String("account", account.Id))
	c.JSON(http.StatusOK, gin.H{
		"status":  authStatusSuccess,
		"account": redacted(account),
	})
}

func DeviceAuthStatus(c *gin.Context) {
	session, ok := getAuthSession(c)
	if !ok {
		return
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	out := gin.H{"status": session.Status}
	if session.AccountId != "" {
		out["account_id"] = session.AccountId
	}
	if session.Detail != "" {
		out["detail"] = session.Detail
	}
	c.JSON(http.StatusOK, out)
}

type adminCredentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AdminRegister bootstraps the first admin user. Once any admin
// exists further registration goes through an authenticated session.
func AdminRegister(c *gin.Context) {
	var creds adminCredentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}

	count, err := model.CountAdminUsers()
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	if count > 0 {
		if _, ok := sessions.Default(c).Get("admin_user").(string); !ok {
			middleware.AbortWithError(c, http.StatusForbidden, "permission_error",
				errors.New("admin registration requires an admin session"))
			return
		}
	}

	admin, err := model.CreateAdminUser(creds.Username, creds.Password)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": admin.Username})
}

func AdminLogin(c *gin.Context) {
	var creds adminCredentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}
	admin, err := model.AuthenticateAdmin(creds.Username, creds.Password)
	if err != nil {
		middleware.AbortWithError(c, http.StatusUnauthorized, "authentication_error",
			errors.New("invalid username or password"))
		return
	}

	session := sessions.Default(c)
	session.Set("admin_user", admin.Username)
	if err := session.Save(); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": admin.Username})
}

func AdminLogout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "api_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}

func AdminStatus(c *gin.Context) {
	username, ok := sessions.Default(c).Get("admin_user").(string)
	c.JSON(http.StatusOK, gin.H{
		"logged_in": ok && username != "",
		"username":  username,
	})
}
