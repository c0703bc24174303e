// Package mocks provides test doubles for the fetcher package.
package mocks

import (
	"context"
	"io"

	mock "github.com/stretchr/testify/mock"
)

// MockFetcher is a mock type for the Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

// MockFetcher_Expecter provides typed expectation helpers.
type MockFetcher_Expecter struct {
	mock *mock.Mock
}

// EXPECT returns the typed expecter.
func (_m *MockFetcher) EXPECT() *MockFetcher_Expecter {
	return &MockFetcher_Expecter{mock: &_m.Mock}
}

// Download provides a mock function with given fields: ctx, url
func (_m *MockFetcher) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	ret := _m.Called(ctx, url)

	if len(ret) == 0 {
		panic("no return value specified for Download")
	}

	var r0 io.ReadCloser
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (io.ReadCloser, error)); ok {
		return rf(ctx, url)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) io.ReadCloser); ok {
		r0 = rf(ctx, url)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(io.ReadCloser)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, url)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// MockFetcher_Download_Call is a *mock.Call for Download.
type MockFetcher_Download_Call struct {
	*mock.Call
}

// Download is a helper method to define mock.On call
func (_e *MockFetcher_Expecter) Download(ctx interface{}, url interface{}) *MockFetcher_Download_Call {
	return &MockFetcher_Download_Call{Call: _e.mock.On("Download", ctx, url)}
}

func (_c *MockFetcher_Download_Call) Run(run func(ctx context.Context, url string)) *MockFetcher_Download_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(context.Context), args[1].(string))
	})
	return _c
}

func (_c *MockFetcher_Download_Call) Return(_a0 io.ReadCloser, _a1 error) *MockFetcher_Download_Call {
	_c.Call.Return(_a0, _a1)
	return _c
}

func (_c *MockFetcher_Download_Call) RunAndReturn(run func(context.Context, string) (io.ReadCloser, error)) *MockFetcher_Download_Call {
	_c.Call.Return(run)
	return _c
}

// DownloadToFile provides a mock function with given fields: ctx, url, path
func (_m *MockFetcher) DownloadToFile(ctx context.Context, url string, path string) (int64, error) {
	ret := _m.Called(ctx, url, path)

	if len(ret) == 0 {
		panic("no return value specified for DownloadToFile")
	}

	var r0 int64
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string) (int64, error)); ok {
		return rf(ctx, url, path)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, string) int64); ok {
		r0 = rf(ctx, url, path)
	} else {
		r0 = ret.Get(0).(int64)
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, string) error); ok {
		r1 = rf(ctx, url, path)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// MockFetcher_DownloadToFile_Call is a *mock.Call for DownloadToFile.
type MockFetcher_DownloadToFile_Call struct {
	*mock.Call
}

// DownloadToFile is a helper method to define mock.On call
func (_e *MockFetcher_Expecter) DownloadToFile(ctx interface{}, url interface{}, path interface{}) *MockFetcher_DownloadToFile_Call {
	return &MockFetcher_DownloadToFile_Call{Call: _e.mock.On("DownloadToFile", ctx, url, path)}
}

func (_c *MockFetcher_DownloadToFile_Call) Run(run func(ctx context.Context, url string, path string)) *MockFetcher_DownloadToFile_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(context.Context), args[1].(string), args[2].(string))
	})
	return _c
}

func (_c *MockFetcher_DownloadToFile_Call) Return(_a0 int64, _a1 error) *MockFetcher_DownloadToFile_Call {
	_c.Call.Return(_a0, _a1)
	return _c
}

func (_c *MockFetcher_DownloadToFile_Call) RunAndReturn(run func(context.Context, string, string) (int64, error)) *MockFetcher_DownloadToFile_Call {
	_c.Call.Return(run)
	return _c
}

// Get provides a mock function with given fields: ctx, url
func (_m *MockFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	ret := _m.Called(ctx, url)

	if len(ret) == 0 {
		panic("no return value specified for Get")
	}

	var r0 []byte
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) ([]byte, error)); ok {
		return rf(ctx, url)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) []byte); ok {
		r0 = rf(ctx, url)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]byte)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, url)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// MockFetcher_Get_Call is a *mock.Call for Get.
type MockFetcher_Get_Call struct {
	*mock.Call
}

// Get is a helper method to define mock.On call
func (_e *MockFetcher_Expecter) Get(ctx interface{}, url interface{}) *MockFetcher_Get_Call {
	return &MockFetcher_Get_Call{Call: _e.mock.On("Get", ctx, url)}
}

func (_c *MockFetcher_Get_Call) Run(run func(ctx context.Context, url string)) *MockFetcher_Get_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(context.Context), args[1].(string))
	})
	return _c
}

func (_c *MockFetcher_Get_Call) Return(_a0 []byte, _a1 error) *MockFetcher_Get_Call {
	_c.Call.Return(_a0, _a1)
	return _c
}

func (_c *MockFetcher_Get_Call) RunAndReturn(run func(context.Context, string) ([]byte, error)) *MockFetcher_Get_Call {
	_c.Call.Return(run)
	return _c
}

// NewMockFetcher creates a new instance of MockFetcher.
func NewMockFetcher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockFetcher {
	mock := &MockFetcher{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
