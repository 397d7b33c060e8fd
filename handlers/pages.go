package handlers

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

const pageStyle = `
      body { font-family: Arial, sans-serif; text-align: center; padding: 50px; background-color: #f0f0f0; }
      .container { background: white; padding: 30px; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); max-width: 600px; margin: 0 auto; }
      .icon { font-size: 48px; margin-bottom: 20px; }
      p { color: #666; }
      .order-id { background: #f8f8f8; padding: 10px; border-radius: 5px; margin: 20px 0; }`

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>Payment Successful</title>
    <style>` + pageStyle + `
      .icon, h1 { color: #4CAF50; }
    </style>
  </head>
  <body>
    <div class="container">
      <div class="icon">&#10003;</div>
      <h1>Payment Successful!</h1>
      <p>Your payment has been processed successfully.</p>
      <div class="order-id">
        Order ID: {{.Order}}<br>
        Amount: {{.Amount}} ILS
      </div>
      <p>You can close this window now.</p>
    </div>
  </body>
</html>
`))

var cancelPage = template.Must(template.New("cancel").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>Payment Cancelled</title>
    <style>` + pageStyle + `
      .icon, h1 { color: #f44336; }
    </style>
  </head>
  <body>
    <div class="container">
      <div class="icon">&#10005;</div>
      <h1>Payment Cancelled</h1>
      <p>Your payment was cancelled or not completed.</p>
      <p>You can close this window and try again.</p>
    </div>
  </body>
</html>
`))

type pageData struct {
	Order  string
	Amount string
}

func queryOr(c *gin.Context, key, fallback string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return fallback
}

func renderPage(c *gin.Context, page *template.Template) {
	data := pageData{
		Order:  queryOr(c, "Order", "N/A"),
		Amount: queryOr(c, "Amount", "N/A"),
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(c.Writer, data); err != nil {
		_ = c.Error(err)
	}
}

func PaymentSuccessPage(c *gin.Context) {
	renderPage(c, successPage)
}

func PaymentCancelledPage(c *gin.Context) {
	renderPage(c, cancelPage)
}
