package handler

import "html/template"

// loginData はサインインページの表示内容。
type loginData struct {
	Email string
	Next  string
	Error string
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Sign in - fitlog</title>
</head>
<body>
<main>
<h1>Welcome Back</h1>
<p>Sign in to access your dashboard</p>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/auth/login">
<input type="hidden" name="next" value="{{.Next}}">
<label>Email <input type="email" name="email" value="{{.Email}}" placeholder="you@example.com" required></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Sign In</button>
</form>
</main>
</body>
</html>
`))

// dashboardView はダッシュボードページの表示内容。
type dashboardView struct {
	*Dashboard
	CSRFToken string
}

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Dashboard - fitlog</title>
</head>
<body>
<main>
<h1>Dashboard</h1>
<p>Signed in as {{.User.Email}}</p>
<form method="post" action="/auth/logout"><input type="hidden" name="csrf_token" value="{{.CSRFToken}}"><button type="submit">Sign Out</button></form>
<section>
<h2>Today</h2>
{{with .Today}}<p>Water {{.WaterIntake}} / Sleep {{.SleepHours}}h / Mood {{.Mood}}</p>{{else}}<p>No log for today yet.</p>{{end}}
</section>
<section>
<h2>Recent workouts</h2>
<ul>{{range .RecentWorkouts}}<li>{{.Date}} {{.Name}} ({{.Duration}} min)</li>{{else}}<li>No workouts yet.</li>{{end}}</ul>
</section>
<section>
<h2>Active goals</h2>
<ul>{{range .ActiveGoals}}<li>{{.Name}}: {{.Current}} / {{.Target}} {{.Unit}}</li>{{else}}<li>No active goals.</li>{{end}}</ul>
</section>
<section>
<h2>Streaks</h2>
<ul>{{range .Sobriety}}<li>{{.Type}} since {{.StartDate}}</li>{{else}}<li>No active streaks.</li>{{end}}</ul>
</section>
</main>
</body>
</html>
`))
