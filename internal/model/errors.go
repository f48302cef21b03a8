package model

import "errors"

var (
	// ErrInsufficientItems 所选分类中可用图片少于 2 张
	ErrInsufficientItems = errors.New("insufficient items")
	// ErrHydration 从外部存储加载图片或偏好失败
	ErrHydration = errors.New("hydration failed")
	// ErrPersistence 写入外部存储失败，内存状态不回滚
	ErrPersistence = errors.New("persistence failed")
	// ErrIdentityMissing 当前没有登录用户
	ErrIdentityMissing = errors.New("identity missing")
)
