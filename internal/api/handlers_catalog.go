package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/haldric/courselib/internal/catalog"
)

func (s *RESTServer) getCategories(c *gin.Context) {
	categories, err := s.store.ListCategories()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if categories == nil {
		categories = []catalog.Category{}
	}
	c.JSON(http.StatusOK, gin.H{"data": categories})
}

func (s *RESTServer) getCourses(c *gin.Context) {
	courses, err := s.store.ListCourses()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if filter := c.Query("category_id"); filter != "" {
		categoryID, err := strconv.ParseInt(filter, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category id"})
			return
		}
		filtered := courses[:0]
		for _, course := range courses {
			if course.CategoryID == categoryID {
				filtered = append(filtered, course)
			}
		}
		courses = filtered
	}
	if courses == nil {
		courses = []catalog.Course{}
	}
	c.JSON(http.StatusOK, gin.H{"data": courses})
}

func (s *RESTServer) getCourseFiles(c *gin.Context) {
	courseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid course id"})
		return
	}

	if _, err := s.store.GetCourse(courseID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	nodeMap, err := s.store.FileNodesByCourse(courseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	nodes := make([]*catalog.FileNode, 0, len(nodeMap))
	for _, n := range nodeMap {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	c.JSON(http.StatusOK, gin.H{"data": nodes, "count": len(nodes)})
}
