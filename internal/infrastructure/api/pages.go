package api

import (
	"fmt"
	"html"
	"net/http"
)

// Callback responses are rendered for a human in a browser, not for the
// external instance. Styles are inline so the strict page CSP holds.

func renderSuccessPage(w http.ResponseWriter, subject string) {
	writeHTML(w, http.StatusOK, fmt.Sprintf(successPage, html.EscapeString(subject)))
}

func renderErrorPage(w http.ResponseWriter, message string) {
	writeHTML(w, http.StatusBadRequest, fmt.Sprintf(errorPage, html.EscapeString(message)))
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

const successPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Complete - Meridian</title>
    <style>
        body {
            margin: 0;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #10141f;
            color: #e8e8e8;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .card {
            text-align: center;
            padding: 3rem;
            background: #1a2030;
            border: 1px solid #2a3246;
            border-radius: 12px;
            max-width: 460px;
            margin: 1rem;
        }
        .badge {
            width: 72px;
            height: 72px;
            margin: 0 auto 1.5rem;
            background: #0faf8d;
            border-radius: 9999px;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.25rem;
            color: #10141f;
        }
        h1 {
            font-size: 1.5rem;
            font-weight: 600;
            margin: 0;
            color: #fff;
        }
        .subject {
            color: #0faf8d;
            font-weight: 500;
        }
        p {
            color: #9aa3b5;
            line-height: 1.6;
            margin-top: 1rem;
        }
        .footer {
            margin-top: 2rem;
            padding-top: 1.25rem;
            border-top: 1px solid #2a3246;
            font-size: 0.875rem;
            color: #5f697d;
        }
    </style>
</head>
<body>
    <div class="card">
        <div class="badge">&#10003;</div>
        <h1>Authorization Complete</h1>
        <p>Access granted for <span class="subject">%s</span>.</p>
        <p>You can close this window and return to the application. Your credentials will be picked up automatically.</p>
        <div class="footer">Meridian OAuth Proxy</div>
    </div>
</body>
</html>`

const errorPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed - Meridian</title>
    <style>
        body {
            margin: 0;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #10141f;
            color: #e8e8e8;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .card {
            text-align: center;
            padding: 3rem;
            background: #1a2030;
            border: 1px solid #2a3246;
            border-radius: 12px;
            max-width: 460px;
            margin: 1rem;
        }
        .badge {
            width: 72px;
            height: 72px;
            margin: 0 auto 1.5rem;
            background: #d4564e;
            border-radius: 9999px;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.25rem;
            color: #10141f;
        }
        h1 {
            font-size: 1.5rem;
            font-weight: 600;
            margin: 0;
            color: #fff;
        }
        .message {
            color: #d4564e;
            font-weight: 500;
            margin-top: 1rem;
        }
        p {
            color: #9aa3b5;
            line-height: 1.6;
            margin-top: 1rem;
        }
        .footer {
            margin-top: 2rem;
            padding-top: 1.25rem;
            border-top: 1px solid #2a3246;
            font-size: 0.875rem;
            color: #5f697d;
        }
    </style>
</head>
<body>
    <div class="card">
        <div class="badge">&#10007;</div>
        <h1>Authorization Failed</h1>
        <p class="message">%s</p>
        <p>No access has been granted. You can close this window.</p>
        <div class="footer">Meridian OAuth Proxy</div>
    </div>
</body>
</html>`
