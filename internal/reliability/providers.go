package reliability

import (
	"errors"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// FromOpenAI classifies errors returned by the go-openai client.
func FromOpenAI(service string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return FromHTTPStatus(service, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return FromHTTPStatus(service, reqErr.HTTPStatusCode, err)
	}
	if Classify(err) == KindFatal {
		return Fatal(service, err)
	}
	return Transient(service, err)
}

// FromGenAI classifies errors returned by the genai client.
func FromGenAI(service string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return FromHTTPStatus(service, apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return FromHTTPStatus(service, apiErrPtr.Code, err)
	}
	if Classify(err) == KindFatal {
		return Fatal(service, err)
	}
	return Transient(service, err)
}
