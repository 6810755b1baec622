package claude

// LoginSuccessHtml is served by the callback receiver after the browser hands
// back an authorization code. {{PLATFORM_URL}} is substituted at render time.
const LoginSuccessHtml = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authentication Successful - Claude</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #f5f3ef; }
        .card { background: #fff; padding: 2.5rem; border-radius: 12px; box-shadow: 0 10px 25px rgba(0,0,0,0.08); max-width: 440px; text-align: center; }
        h1 { color: #1f2937; font-size: 1.4rem; margin: 0 0 0.75rem; }
        p { color: #4b5563; line-height: 1.5; }
        a { color: #c2410c; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Authentication successful</h1>
        <p>You can close this window and return to your terminal.</p>
        <p><a href="{{PLATFORM_URL}}">Open Claude</a></p>
    </div>
    <script>setTimeout(function () { window.close(); }, 5000);</script>
</body>
</html>`

// LoginFailureHtml is served when the callback carries an error or no code.
// {{MESSAGE}} is substituted with an escaped description.
const LoginFailureHtml = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Authentication Failed - Claude</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4rem;">
    <h1>Authentication failed</h1>
    <p>{{MESSAGE}}</p>
    <p>Return to your terminal and start the login again.</p>
</body>
</html>`
