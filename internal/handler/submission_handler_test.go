package handler_test

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/handler"
	"github.com/noah-isme/gema-lab-api/internal/models"
)

func (a *labApp) upload(t *testing.T, who caller, filename string, content []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(fiber.MethodPost, a.submitPath()+"/submit", &body)
	req.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())
	who.apply(req.Header)

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestSubmissionHandlerEvaluatesJSONSource(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})

	resp := a.do(t, asStudent, fiber.MethodPost, a.submitPath()+"/submit", dto.SubmissionRequest{Source: "int main() { return 0; }"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var attempt dto.AttemptResponse
	env := decodeEnvelope(t, resp, &attempt)
	assert.True(t, env.Success)
	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
	assert.Equal(t, 100.0, attempt.Score)
	assert.Equal(t, studentID, attempt.StudentID)
	require.Len(t, attempt.Comparisons, 1)
	assert.Equal(t, "5", attempt.Comparisons[0].Input)
}

func TestSubmissionHandlerAcceptsTextUploads(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})

	resp := a.upload(t, asStudent, "main.c", []byte("#include <stdio.h>\nint main() { return 0; }\n"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var attempt dto.AttemptResponse
	decodeEnvelope(t, resp, &attempt)
	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	resp = a.upload(t, asStudent, "main.c", png)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = a.upload(t, asStudent, "main.c", []byte(strings.Repeat("a", handler.MaxSourceBytes+1)))
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = a.upload(t, asStudent, "main.c", []byte("   \n"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSubmissionHandlerErrorMapping(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})

	cases := []struct {
		name   string
		who    caller
		path   string
		body   interface{}
		status int
	}{
		{"teacher cannot submit", asTeacher, a.submitPath() + "/submit", dto.SubmissionRequest{Source: "x"}, fiber.StatusForbidden},
		{"anonymous", anonymous, a.submitPath() + "/submit", dto.SubmissionRequest{Source: "x"}, fiber.StatusUnauthorized},
		{"not enrolled", asStranger, a.submitPath() + "/submit", dto.SubmissionRequest{Source: "x"}, fiber.StatusForbidden},
		{"empty source", asStudent, a.submitPath() + "/submit", dto.SubmissionRequest{}, fiber.StatusBadRequest},
		{"oversized json", asStudent, a.submitPath() + "/submit", dto.SubmissionRequest{Source: strings.Repeat("a", handler.MaxSourceBytes+1)}, fiber.StatusRequestEntityTooLarge},
		{"unknown assignment", asStudent, "/api/v1/lab/assignments/missing/targets/1/submit", dto.SubmissionRequest{Source: "x"}, fiber.StatusNotFound},
		{"bad target id", asStudent, "/api/v1/lab/assignments/" + a.assignment.ID + "/targets/x/submit", dto.SubmissionRequest{Source: "x"}, fiber.StatusBadRequest},
		{"runner down", asStudent, a.submitPath() + "/submit", dto.SubmissionRequest{Source: "INFRA"}, fiber.StatusServiceUnavailable},
		{"late request while open", asStudent, a.submitPath() + "/late-request", nil, fiber.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := a.do(t, tc.who, fiber.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestSubmissionHandlerBrokenTargetIsUnprocessable(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})
	require.NoError(t, a.db.Model(&models.TargetCode{}).Where("id = ?", a.target.ID).Update("source", "CRASH").Error)

	resp := a.do(t, asStudent, fiber.MethodPost, a.submitPath()+"/submit", dto.SubmissionRequest{Source: "int main() {}"})
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	env := decodeEnvelope(t, resp, nil)
	assert.False(t, env.Success)
}

func TestSubmissionHandlerRateLimit(t *testing.T) {
	a := setupLabApp(t, labAppOptions{limits: handler.SubmissionLimits{Max: 1}})

	resp := a.do(t, asStudent, fiber.MethodPost, a.submitPath()+"/submit", dto.SubmissionRequest{Source: "int main() {}"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = a.do(t, asStudent, fiber.MethodPost, a.submitPath()+"/submit", dto.SubmissionRequest{Source: "int main() {}"})
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestSubmissionHandlerProgress(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})
	progressPath := "/api/v1/lab/assignments/" + a.assignment.ID + "/progress"

	resp := a.do(t, asStudent, fiber.MethodPost, a.submitPath()+"/submit", dto.SubmissionRequest{Source: "int main() {}"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = a.do(t, asStudent, fiber.MethodGet, progressPath, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var own []dto.AttemptResponse
	decodeEnvelope(t, resp, &own)
	require.Len(t, own, 1)
	assert.Equal(t, a.target.ID, own[0].TargetCodeID)

	resp = a.do(t, asTeacher, fiber.MethodGet, progressPath+"?student_id=20", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var viewed []dto.AttemptResponse
	decodeEnvelope(t, resp, &viewed)
	assert.Len(t, viewed, 1)

	resp = a.do(t, asTeacher, fiber.MethodGet, progressPath, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, asStranger, fiber.MethodGet, progressPath, nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
