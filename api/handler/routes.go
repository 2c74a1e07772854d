package handler

import "github.com/go-chi/chi/v5"

// Mount attaches every /api route to the router. Websocket endpoints
// are wired separately in main since they bypass the JSON middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", h.Version)

		r.Get("/servers", h.ListServers)
		r.Post("/servers", h.RegisterServer)
		r.Route("/servers/{id}", func(r chi.Router) {
			r.Get("/", h.GetServer)
			r.Delete("/", h.DeleteServer)
			r.Post("/assign", h.AssignServer)
			r.Post("/unassign", h.UnassignServer)
			r.Post("/ping", h.PingServer)
		})

		r.Route("/provision", func(r chi.Router) {
			r.Post("/ansible/{step}", h.AnsibleStep)
			r.Post("/playbook", h.RunPlaybook)
			r.Post("/cluster/install", h.InstallCluster)
			r.Post("/cluster/join", h.JoinWorkers)
			r.Get("/cluster/kubeconfig", h.Kubeconfig)
			r.Get("/state", h.ProvisionState)
		})

		r.Get("/tasks/{id}", h.GetTask)

		r.Get("/units", h.ListUnits)
		r.Post("/units", h.CreateUnit)
		r.Route("/units/{id}", func(r chi.Router) {
			r.Get("/", h.GetUnit)
			r.Delete("/", h.DeleteUnit)
			r.Post("/scale", h.ScaleUnit)
		})
	})
}
