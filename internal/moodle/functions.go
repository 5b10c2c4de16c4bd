package moodle

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

const (
	siteInfoTTL       = 10 * time.Minute
	coursesTTL        = 10 * time.Minute
	courseContentsTTL = 5 * time.Minute

	fnSiteInfo       = "core_webservice_get_site_info"
	fnUserCourses    = "core_enrol_get_users_courses"
	fnCourseContents = "core_course_get_contents"
)

// SiteInfo is the subset of core_webservice_get_site_info we use.
type SiteInfo struct {
	SiteName  string `json:"sitename"`
	Username  string `json:"username"`
	FullName  string `json:"fullname"`
	UserID    int64  `json:"userid"`
	SiteURL   string `json:"siteurl"`
	Release   string `json:"release"`
	Version   string `json:"version"`
	MobileCSS string `json:"mobilecssurl,omitempty"`
}

// Course is one enrolled course.
type Course struct {
	ID        int64  `json:"id"`
	ShortName string `json:"shortname"`
	FullName  string `json:"fullname"`
	Visible   int    `json:"visible"`
	StartDate int64  `json:"startdate"`
	EndDate   int64  `json:"enddate"`
}

// Section is one section of course contents.
type Section struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Summary string   `json:"summary"`
	Modules []Module `json:"modules"`
}

// Module is an activity or resource inside a section.
type Module struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	ModName string `json:"modname"`
	URL     string `json:"url,omitempty"`
}

// SiteInfo returns the site/user info for token.
func (c *Client) SiteInfo(ctx context.Context, token string) (SiteInfo, error) {
	var info SiteInfo
	err := c.Call(ctx, fnSiteInfo, token, nil, siteInfoTTL, &info)
	return info, err
}

// UserCourses lists the courses userID is enrolled in.
func (c *Client) UserCourses(ctx context.Context, token string, userID int64) ([]Course, error) {
	args := url.Values{}
	args.Set("userid", strconv.FormatInt(userID, 10))
	var courses []Course
	err := c.Call(ctx, fnUserCourses, token, args, coursesTTL, &courses)
	return courses, err
}

// CourseContents returns the sections of a course.
func (c *Client) CourseContents(ctx context.Context, token string, courseID int64) ([]Section, error) {
	args := url.Values{}
	args.Set("courseid", strconv.FormatInt(courseID, 10))
	var sections []Section
	err := c.Call(ctx, fnCourseContents, token, args, courseContentsTTL, &sections)
	return sections, err
}
