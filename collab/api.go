package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// typed client for the document REST backend. the realtime core never
// fetches or persists documents itself; this client supplies the initial
// editable buffer before a session is opened and is the persistence point
// for manual saves.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type CoeditApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewCoeditApi(apiUrl string) *CoeditApi {
	return NewCoeditApiWithContext(context.Background(), apiUrl)
}

func NewCoeditApiWithContext(ctx context.Context, apiUrl string) *CoeditApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CoeditApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *CoeditApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	User  *AuthLoginResultUser  `json:"user,omitempty"`
	Error *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultUser struct {
	UserId   Id     `json:"user_id"`
	Username string `json:"username"`
	ByJwt    string `json:"by_jwt"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *CoeditApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *CoeditApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type Document struct {
	DocumentId Id        `json:"document_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Version    int       `json:"version"`
	Permission string    `json:"permission,omitempty"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

type CreateDocumentCallback apiCallback[*CreateDocumentResult]

type CreateDocumentArgs struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

type CreateDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

type DocumentResultError struct {
	Message string `json:"message"`
}

func (self *CoeditApi) CreateDocument(createDocument *CreateDocumentArgs, callback CreateDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		createDocument,
		self.byJwt,
		&CreateDocumentResult{},
		callback,
	)
}

func (self *CoeditApi) CreateDocumentSync(createDocument *CreateDocumentArgs) (*CreateDocumentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		createDocument,
		self.byJwt,
		&CreateDocumentResult{},
		NewNoopApiCallback[*CreateDocumentResult](),
	)
}

type GetDocumentCallback apiCallback[*GetDocumentResult]

type GetDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

func (self *CoeditApi) GetDocument(documentId Id, callback GetDocumentCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		callback,
	)
}

func (self *CoeditApi) GetDocumentSync(documentId Id) (*GetDocumentResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		NewNoopApiCallback[*GetDocumentResult](),
	)
}

type UpdateDocumentCallback apiCallback[*UpdateDocumentResult]

// pointer fields distinguish "not provided" from "set to empty"
type UpdateDocumentArgs struct {
	DocumentId Id      `json:"document_id"`
	Title      *string `json:"title,omitempty"`
	Content    *string `json:"content,omitempty"`
}

type UpdateDocumentResult struct {
	Document *Document            `json:"document,omitempty"`
	Error    *DocumentResultError `json:"error,omitempty"`
}

func (self *CoeditApi) UpdateDocument(updateDocument *UpdateDocumentArgs, callback UpdateDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, updateDocument.DocumentId),
		updateDocument,
		self.byJwt,
		&UpdateDocumentResult{},
		callback,
	)
}

func (self *CoeditApi) UpdateDocumentSync(updateDocument *UpdateDocumentArgs) (*UpdateDocumentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, updateDocument.DocumentId),
		updateDocument,
		self.byJwt,
		&UpdateDocumentResult{},
		NewNoopApiCallback[*UpdateDocumentResult](),
	)
}

type RemoveDocumentCallback apiCallback[*RemoveDocumentResult]

type RemoveDocumentArgs struct {
	DocumentId Id `json:"document_id"`
}

type RemoveDocumentResult struct {
	Error *DocumentResultError `json:"error,omitempty"`
}

func (self *CoeditApi) RemoveDocument(removeDocument *RemoveDocumentArgs, callback RemoveDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents/%s/remove", self.apiUrl, removeDocument.DocumentId),
		removeDocument,
		self.byJwt,
		&RemoveDocumentResult{},
		callback,
	)
}

type ListDocumentsCallback apiCallback[*ListDocumentsResult]

type ListDocumentsResult struct {
	Documents []*Document          `json:"documents"`
	Error     *DocumentResultError `json:"error,omitempty"`
}

func (self *CoeditApi) ListDocuments(callback ListDocumentsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		self.byJwt,
		&ListDocumentsResult{},
		callback,
	)
}

func (self *CoeditApi) ListDocumentsSync() (*ListDocumentsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		self.byJwt,
		&ListDocumentsResult{},
		NewNoopApiCallback[*ListDocumentsResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
