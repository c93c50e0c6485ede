package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/patch"
	"github.com/daimoniac/patchline/internal/types"
)

// handlePatches serves the patch collection: list on GET, create on
// POST.
func (s *APIServer) handlePatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListPatches(w, r)
	case http.MethodPost:
		if !s.allowWrite(w) {
			return
		}
		s.handleCreatePatch(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handlePatchSubtree dispatches /api/v1/patches/{id}[/<action>].
func (s *APIServer) handlePatchSubtree(w http.ResponseWriter, r *http.Request) {
	patchID, rest, ok := splitSubtreePath(r.URL.Path, "/api/v1/patches/")
	if !ok || patchID == "" {
		s.respondError(w, http.StatusBadRequest, "Patch ID is required")
		return
	}

	switch rest {
	case "":
		s.handleGetPatch(w, r, patchID)
	case "validate":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleValidatePatch(w, r, patchID)
		}
	case "integrity":
		s.handleVerifyIntegrity(w, r, patchID)
	case "notify":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleNotify(w, r, patchID)
		}
	case "notifications":
		s.handleListPatchNotifications(w, r, patchID)
	case "notifications/retry":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleRetryNotifications(w, r, patchID)
		}
	case "notifications/summary":
		s.handleNotificationSummary(w, r, patchID)
	case "version/bump":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleBumpVersion(w, r, patchID)
		}
	case "versions":
		s.handleListVersions(w, r, patchID)
	case "timeline":
		s.handleTimeline(w, r, patchID)
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

// handleRolloutSubtree dispatches /api/v1/rollouts/{id}[/<action>].
// Rollouts are keyed by the patch they deploy.
func (s *APIServer) handleRolloutSubtree(w http.ResponseWriter, r *http.Request) {
	patchID, rest, ok := splitSubtreePath(r.URL.Path, "/api/v1/rollouts/")
	if !ok || patchID == "" {
		s.respondError(w, http.StatusBadRequest, "Patch ID is required")
		return
	}

	switch rest {
	case "":
		s.handleGetRollout(w, r, patchID)
	case "progress":
		s.handleRolloutProgress(w, r, patchID)
	case "execute":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleExecuteStage(w, r, patchID)
		}
	case "advance":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleAdvanceStage(w, r, patchID)
		}
	case "approve":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleApproveStage(w, r, patchID)
		}
	case "rollback":
		if s.requirePost(w, r) && s.allowWrite(w) {
			s.handleRollback(w, r, patchID)
		}
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

// handleNotificationSubtree dispatches /api/v1/notifications/{id}/ack.
func (s *APIServer) handleNotificationSubtree(w http.ResponseWriter, r *http.Request) {
	notificationID, rest, ok := splitSubtreePath(r.URL.Path, "/api/v1/notifications/")
	if !ok || notificationID == "" {
		s.respondError(w, http.StatusBadRequest, "Notification ID is required")
		return
	}
	if rest != "ack" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	if s.requirePost(w, r) && s.allowWrite(w) {
		s.handleAcknowledge(w, r, notificationID)
	}
}

func (s *APIServer) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// handleCreatePatch creates a new patch in Draft status
// @Summary Create patch
// @Description Create a new security patch in Draft status. The payload is base64-encoded.
// @Tags Patches
// @Accept json
// @Produce json
// @Param request body CreatePatchRequest true "Patch to create"
// @Success 201 {object} types.SecurityPatch
// @Failure 400 {object} map[string]string "Invalid request body"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /patches [post]
func (s *APIServer) handleCreatePatch(w http.ResponseWriter, r *http.Request) {
	var req CreatePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	severity := types.SeverityMedium
	if req.Severity != "" {
		parsed, err := types.ParseSeverity(req.Severity)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid severity: %v", err))
			return
		}
		severity = parsed
	}

	p, err := s.coordinator.CreatePatch(r.Context(), patch.CreateParams{
		Title:           req.Title,
		Description:     req.Description,
		Severity:        severity,
		Payload:         req.Payload,
		AffectedTargets: req.AffectedTargets,
		AdvisoryID:      req.AdvisoryID,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create patch: %v", err))
		return
	}

	s.respondJSON(w, http.StatusCreated, p)
}

// handleListPatches lists patches with optional filters
// @Summary List patches
// @Description List all patches with optional status and severity filtering
// @Tags Patches
// @Accept json
// @Produce json
// @Param status query string false "Filter by status (DRAFT, VALIDATING, VALIDATED, ROLLING_OUT, APPLIED, REJECTED, ROLLED_BACK)"
// @Param severity query string false "Filter by severity (LOW, MEDIUM, HIGH, CRITICAL)"
// @Success 200 {array} types.SecurityPatch
// @Failure 400 {object} map[string]string "Invalid filter"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /patches [get]
func (s *APIServer) handleListPatches(w http.ResponseWriter, r *http.Request) {
	if severityFilter := parseQueryParam(r, "severity"); severityFilter != "" {
		severity, err := types.ParseSeverity(severityFilter)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid severity: %v", err))
			return
		}
		s.respondJSON(w, http.StatusOK, s.coordinator.Patches().ListPatchesBySeverity(severity))
		return
	}

	var statusFilter *types.PatchStatus
	if raw := parseQueryParam(r, "status"); raw != "" {
		status, err := types.ParsePatchStatus(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status: %v", err))
			return
		}
		statusFilter = &status
	}

	s.respondJSON(w, http.StatusOK, s.coordinator.Patches().ListPatches(statusFilter))
}

// handleGetPatch retrieves one patch
// @Summary Get patch
// @Description Retrieve a patch by ID
// @Tags Patches
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {object} types.SecurityPatch
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Patch not found"
// @Security BearerAuth
// @Router /patches/{id} [get]
func (s *APIServer) handleGetPatch(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	p, err := s.coordinator.Patches().GetPatch(patchID)
	if err != nil {
		if errors.Is(err, apperrors.ErrPatchNotFound) {
			s.respondError(w, http.StatusNotFound, "Patch not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get patch: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, p)
}

// handleValidatePatch runs the validation checks on a Draft patch
// @Summary Validate patch
// @Description Run the validation checks on a Draft patch, moving it to Validated or Rejected
// @Tags Patches
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body OperationRequest false "Actor attribution"
// @Success 200 {object} ValidationResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Patch not found"
// @Failure 409 {object} map[string]string "Patch is not in Draft status"
// @Security BearerAuth
// @Router /patches/{id}/validate [post]
func (s *APIServer) handleValidatePatch(w http.ResponseWriter, r *http.Request, patchID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	passed, err := s.coordinator.ValidatePatch(r.Context(), patchID, req.PerformedBy)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	p, err := s.coordinator.Patches().GetPatch(patchID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get patch: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, ValidationResponse{
		PatchID: patchID,
		Passed:  passed,
		Status:  p.Status.String(),
		Results: p.ValidationResults,
	})
}

// handleVerifyIntegrity re-checks the payload hash
// @Summary Verify patch integrity
// @Description Recompute the payload hash and compare it to the stored one
// @Tags Patches
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {object} IntegrityResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Patch not found"
// @Security BearerAuth
// @Router /patches/{id}/integrity [get]
func (s *APIServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	valid, err := s.coordinator.VerifyIntegrity(r.Context(), patchID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, IntegrityResponse{PatchID: patchID, Valid: valid})
}

// handleStartRollout starts a staged rollout for a validated patch
// @Summary Start rollout
// @Description Start a staged rollout for a validated patch. The plan comes from the request, the fleet group, or the defaults, in that order.
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param request body StartRolloutRequest true "Rollout to start"
// @Success 201 {object} types.RolloutState
// @Failure 400 {object} map[string]string "Invalid request body"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Patch not found"
// @Failure 409 {object} map[string]string "Patch is not validated"
// @Security BearerAuth
// @Router /rollouts [post]
func (s *APIServer) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req StartRolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.PatchID == "" {
		s.respondError(w, http.StatusBadRequest, "patch_id is required")
		return
	}

	plan, err := s.resolvePlan(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.coordinator.StartRollout(r.Context(), req.PatchID, plan, req.PerformedBy)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, state)
}

// resolvePlan picks the rollout plan: explicit request plan first, then
// the fleet group, then the manifest defaults.
func (s *APIServer) resolvePlan(req *StartRolloutRequest) (types.RolloutPlan, error) {
	if req.Plan != nil {
		return req.Plan.ToPlan()
	}
	if s.fleet != nil {
		return s.fleet.PlanFor(req.Group), nil
	}
	return types.DefaultRolloutPlan(), nil
}

// handleGetRollout retrieves the rollout state for a patch
// @Summary Get rollout
// @Description Retrieve the rollout state for a patch
// @Tags Rollouts
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {object} types.RolloutState
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Rollout not found"
// @Security BearerAuth
// @Router /rollouts/{id} [get]
func (s *APIServer) handleGetRollout(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, err := s.coordinator.Rollouts().GetRollout(patchID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// handleRolloutProgress reports fleet-wide apply progress
// @Summary Rollout progress
// @Description Report the share of the fleet successfully applied, as a percentage
// @Tags Rollouts
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {object} ProgressResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Rollout not found"
// @Security BearerAuth
// @Router /rollouts/{id}/progress [get]
func (s *APIServer) handleRolloutProgress(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	percent, err := s.coordinator.Rollouts().RolloutProgress(patchID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ProgressResponse{PatchID: patchID, Percent: percent})
}

// handleExecuteStage applies the patch to the current stage's cohort
// @Summary Execute current stage
// @Description Apply the patch to every target in the current stage's cohort
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body OperationRequest false "Actor attribution"
// @Success 200 {object} ExecutionResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Rollout not found"
// @Failure 409 {object} map[string]string "Rollout is paused or completed"
// @Security BearerAuth
// @Router /rollouts/{id}/execute [post]
func (s *APIServer) handleExecuteStage(w http.ResponseWriter, r *http.Request, patchID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	results, err := s.coordinator.ExecuteStage(r.Context(), patchID, req.PerformedBy)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	stage := ""
	if len(results) > 0 {
		stage = results[0].Stage.String()
	}
	s.respondJSON(w, http.StatusOK, ExecutionResponse{
		PatchID: patchID,
		Stage:   stage,
		Results: results,
	})
}

// handleAdvanceStage advances a rollout past its current stage
// @Summary Advance stage
// @Description Advance the rollout to the next stage after the failure-rate gate and the advancement policy both pass
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body OperationRequest false "Actor attribution"
// @Success 200 {object} types.RolloutState
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Rollout not found"
// @Failure 409 {object} map[string]string "Advancement blocked"
// @Security BearerAuth
// @Router /rollouts/{id}/advance [post]
func (s *APIServer) handleAdvanceStage(w http.ResponseWriter, r *http.Request, patchID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	state, err := s.coordinator.AdvanceStage(r.Context(), patchID, req.PerformedBy)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// handleApproveStage clears the approval pause
// @Summary Approve stage
// @Description Clear the approval pause so the next stage may execute
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body OperationRequest false "Actor attribution"
// @Success 200 {object} MessageResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Rollout not found"
// @Security BearerAuth
// @Router /rollouts/{id}/approve [post]
func (s *APIServer) handleApproveStage(w http.ResponseWriter, r *http.Request, patchID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.coordinator.ApproveStage(r.Context(), patchID, req.PerformedBy); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, MessageResponse{Message: "stage approved"})
}

// handleRollback terminally stops a rollout
// @Summary Roll back
// @Description Terminally stop a rollout and mark the patch rolled back
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body OperationRequest false "Actor attribution and reason"
// @Success 200 {object} MessageResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Rollout not found"
// @Security BearerAuth
// @Router /rollouts/{id}/rollback [post]
func (s *APIServer) handleRollback(w http.ResponseWriter, r *http.Request, patchID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	reason := req.Reason
	if reason == "" {
		reason = "operator requested rollback"
	}
	if err := s.coordinator.Rollback(r.Context(), patchID, req.PerformedBy, reason); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, MessageResponse{Message: "rollout rolled back"})
}

// handleNotify creates disclosure notifications for a patch's targets
// @Summary Notify targets
// @Description Create one disclosure notification per affected target and attempt delivery
// @Tags Notifications
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body OperationRequest false "Actor attribution"
// @Success 201 {object} NotifyResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Patch not found"
// @Failure 409 {object} map[string]string "Patch has no affected targets"
// @Security BearerAuth
// @Router /patches/{id}/notify [post]
func (s *APIServer) handleNotify(w http.ResponseWriter, r *http.Request, patchID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	ids, err := s.coordinator.Notify(r.Context(), patchID, req.PerformedBy)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, NotifyResponse{PatchID: patchID, NotificationIDs: ids})
}

// handleListPatchNotifications lists a patch's notifications
// @Summary List notifications
// @Description List all notifications for a patch in creation order
// @Tags Notifications
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {array} types.NotificationRecord
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /patches/{id}/notifications [get]
func (s *APIServer) handleListPatchNotifications(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.coordinator.Distribution().ListNotifications(patchID))
}

// handleAcknowledge marks a notification acknowledged
// @Summary Acknowledge notification
// @Description Mark a pending or delivered notification as acknowledged by its target
// @Tags Notifications
// @Accept json
// @Produce json
// @Param id path string true "Notification ID"
// @Param request body OperationRequest false "Actor attribution"
// @Success 200 {object} MessageResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 409 {object} map[string]string "Notification cannot be acknowledged"
// @Security BearerAuth
// @Router /notifications/{id}/ack [post]
func (s *APIServer) handleAcknowledge(w http.ResponseWriter, r *http.Request, notificationID string) {
	var req OperationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.coordinator.Acknowledge(r.Context(), notificationID, req.PerformedBy); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, MessageResponse{Message: "notification acknowledged"})
}

// handleRetryNotifications resets failed notifications to pending
// @Summary Retry failed notifications
// @Description Reset every failed notification for a patch back to Pending, incrementing attempt counts
// @Tags Notifications
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {object} RetryResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /patches/{id}/notifications/retry [post]
func (s *APIServer) handleRetryNotifications(w http.ResponseWriter, r *http.Request, patchID string) {
	ids, err := s.coordinator.RetryNotifications(r.Context(), patchID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, RetryResponse{PatchID: patchID, RetriedIDs: ids})
}

// handleNotificationSummary aggregates notification counts
// @Summary Notification summary
// @Description Aggregate per-status notification counts for a patch
// @Tags Notifications
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {object} types.NotificationSummary
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /patches/{id}/notifications/summary [get]
func (s *APIServer) handleNotificationSummary(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.coordinator.Distribution().Summary(patchID))
}

// handleBumpVersion releases a severity-driven version bump
// @Summary Bump version
// @Description Derive a new version from the patch's severity and record the release
// @Tags Versions
// @Accept json
// @Produce json
// @Param id path string true "Patch ID"
// @Param request body BumpVersionRequest false "Release notes and actor attribution"
// @Success 201 {object} types.VersionRecord
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Patch not found"
// @Security BearerAuth
// @Router /patches/{id}/version/bump [post]
func (s *APIServer) handleBumpVersion(w http.ResponseWriter, r *http.Request, patchID string) {
	var req BumpVersionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	record, err := s.coordinator.BumpVersion(r.Context(), patchID, req.ReleaseNotes, req.PerformedBy)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, record)
}

// handleListVersions lists a patch's release history
// @Summary Release history
// @Description List a patch's released versions in release order
// @Tags Versions
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {array} types.VersionRecord
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /patches/{id}/versions [get]
func (s *APIServer) handleListVersions(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.coordinator.Versions().ReleaseHistory(patchID))
}

// handleListAudit lists audit entries with optional filters
// @Summary List audit entries
// @Description List audit entries, optionally filtered by patch, target or action
// @Tags Audit
// @Produce json
// @Param patch_id query string false "Filter by patch ID"
// @Param target_id query string false "Filter by target ID"
// @Param action query string false "Filter by action (e.g. PATCH_APPLIED)"
// @Success 200 {array} types.AuditEntry
// @Failure 400 {object} map[string]string "Invalid action"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /audit [get]
func (s *APIServer) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	trail := s.coordinator.Trail()
	if patchID := parseQueryParam(r, "patch_id"); patchID != "" {
		s.respondJSON(w, http.StatusOK, trail.EntriesForPatch(patchID))
		return
	}
	if targetID := parseQueryParam(r, "target_id"); targetID != "" {
		s.respondJSON(w, http.StatusOK, trail.EntriesForTarget(targetID))
		return
	}
	if raw := parseQueryParam(r, "action"); raw != "" {
		action, err := types.ParseAuditAction(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid action: %v", err))
			return
		}
		s.respondJSON(w, http.StatusOK, trail.EntriesByAction(action))
		return
	}
	s.respondJSON(w, http.StatusOK, trail.Entries())
}

// handleTimeline returns a patch's audit timeline
// @Summary Patch timeline
// @Description Return a patch's audit entries ordered by timestamp
// @Tags Audit
// @Produce json
// @Param id path string true "Patch ID"
// @Success 200 {array} types.AuditEntry
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /patches/{id}/timeline [get]
func (s *APIServer) handleTimeline(w http.ResponseWriter, r *http.Request, patchID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.coordinator.Trail().PatchTimeline(patchID))
}

// handleExportAudit exports the whole audit trail as JSON
// @Summary Export audit trail
// @Description Export the entire audit trail as a JSON document
// @Tags Audit
// @Produce json
// @Success 200 {array} types.AuditEntry
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Serialization failure"
// @Security BearerAuth
// @Router /audit/export [get]
func (s *APIServer) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	exported, err := s.coordinator.Trail().ExportJSON()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to export audit trail: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(exported)); err != nil {
		s.logger.Error("error writing audit export",
			"error", err.Error())
	}
}

// respondDomainError maps lifecycle errors onto HTTP status codes:
// missing entities are 404, deterministic rejections are 409, anything
// else is a 500.
func (s *APIServer) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrPatchNotFound):
		s.respondError(w, http.StatusNotFound, "Patch not found")
	case errors.Is(err, apperrors.ErrRolloutNotFound):
		s.respondError(w, http.StatusNotFound, "Rollout not found")
	case apperrors.IsDomain(err):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
