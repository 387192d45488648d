package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conductor/internal/store"
	"conductor/internal/xerrors"
)

// EnableWorkflowAdmin mounts workflow registration endpoints backed by a
// mutable store. Deployments with an external workflow service skip this.
func (s *Server) EnableWorkflowAdmin(st *store.MemoryStore) {
	s.engine.POST("/api/workflows", func(c *gin.Context) {
		var wf store.Workflow
		if err := c.ShouldBindJSON(&wf); err != nil {
			writeError(c, xerrors.E(xerrors.KindInvalidInput, "http.put_workflow", err))
			return
		}
		if wf.ID == "" {
			writeError(c, xerrors.E(xerrors.KindInvalidInput, "http.put_workflow", "id is required"))
			return
		}
		if wf.OwnerID == "" {
			wf.OwnerID = principal(c).UserID
		}
		st.PutWorkflow(&wf)
		c.JSON(http.StatusOK, wf)
	})

	s.engine.GET("/api/workflows/:id", func(c *gin.Context) {
		wf, err := st.GetWorkflow(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wf)
	})
}
