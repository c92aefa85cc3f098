package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openapiSpec string

// SpecHandler serves the OpenAPI document with the {oktaIssuer}
// placeholder replaced, so the file never names a concrete issuer.
func SpecHandler(oktaIssuer string) echo.HandlerFunc {
	spec := strings.ReplaceAll(openapiSpec, "{oktaIssuer}", oktaIssuer)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
	}
}

// SwaggerHandler serves a Swagger UI page that loads the spec and signs in
// against the same Okta issuer with PKCE.
func SwaggerHandler(oktaDomain, clientID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		page := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", scheme+"://"+r.Host+"/docs/oauth2-redirect.html",
			"${OKTA_DOMAIN}", oktaDomain,
			"${CLIENT_ID}", clientID,
		).Replace(swaggerHTML)
		return c.HTML(http.StatusOK, page)
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI
func OAuthRedirectHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, oauthRedirectHTML)
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Nexflow CRM API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
    });
    window.ui = ui;
    ui.initOAuth({
      clientId: "${CLIENT_ID}",
      usePkceWithAuthorizationCodeGrant: true,
    });
  }
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`
