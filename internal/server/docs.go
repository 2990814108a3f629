package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>{{.Title}}</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({url: {{.SpecURL}}, dom_id: '#swagger-ui', docExpansion: 'none', tagsSorter: 'alpha'});
      };
    </script>
  </body>
</html>`))

// specPath is where the OpenAPI document is served under basePath.
func specPath(basePath string) string {
	return path.Join("/", basePath, "openapi.json")
}

// registerDocs serves the OpenAPI document, with the error codes spelled out,
// and a Swagger UI page pointing at it. Call it after every operation is registered.
func registerDocs(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(specPath(basePath), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			documentErrors(oas)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		docsPage.Execute(w, struct{ Title, SpecURL string }{api.OpenAPI().Info.Title + " docs", specPath(basePath)})
	})
}
